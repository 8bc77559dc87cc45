package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external program and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec runs the program with os/exec.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w, output: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Call is a single recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a shell-like command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Recorder is a Runner that records calls instead of executing them.
type Recorder struct {
	Calls []Call
	// Fail makes every call whose command line contains the key return the error.
	Fail map[string]error
	// Output is returned by calls whose command line contains the key.
	Output map[string][]byte
}

// Run implements Runner.
func (r *Recorder) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	r.Calls = append(r.Calls, call)
	for key, err := range r.Fail {
		if strings.Contains(call.String(), key) {
			return nil, err
		}
	}
	for key, out := range r.Output {
		if strings.Contains(call.String(), key) {
			return out, nil
		}
	}
	return nil, nil
}
