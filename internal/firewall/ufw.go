package firewall

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
	"github.com/Anipaleja/miniwaf/internal/config"
)

// UfwBackend implements firewall operations using ufw. Rules are inserted
// first so they win over earlier allow rules, and carry a comment that
// Flush uses to find them again.
type UfwBackend struct {
	run    command.Runner
	logger *logrus.Logger
}

// NewUfwBackend creates a new ufw backend
func NewUfwBackend(cfg config.FirewallConfig, run command.Runner, logger *logrus.Logger) (*UfwBackend, error) {
	return &UfwBackend{
		run:    run,
		logger: logger,
	}, nil
}

// Name returns the backend name
func (b *UfwBackend) Name() string {
	return "ufw"
}

func (b *UfwBackend) verb(action Action) string {
	if action == ActionReject {
		return "reject"
	}
	return "deny"
}

// Block inserts a rule for the address
func (b *UfwBackend) Block(ctx context.Context, rule *Rule) error {
	args := []string{"insert", "1", b.verb(rule.Action), "from", rule.IP, "to", "any", "comment", ruleComment}
	if _, err := b.run(ctx, "ufw", args...); err != nil {
		return fmt.Errorf("failed to add ufw rule: %w", err)
	}

	b.logger.Debugf("Added ufw rule for IP %s", rule.IP)
	return nil
}

// IsBlocked looks for a DENY or REJECT rule from the address in "ufw status"
func (b *UfwBackend) IsBlocked(ctx context.Context, ip string) (bool, error) {
	out, err := b.run(ctx, "ufw", "status")
	if err != nil {
		return false, fmt.Errorf("failed to read ufw status: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if !containsField(fields, "DENY") && !containsField(fields, "REJECT") {
			continue
		}
		if containsField(fields, ip) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Flush deletes every rule tagged with the miniwaf comment. Rules are
// deleted from the highest number down so the remaining numbers stay valid.
func (b *UfwBackend) Flush(ctx context.Context) error {
	out, err := b.run(ctx, "ufw", "status", "numbered")
	if err != nil {
		return fmt.Errorf("failed to read ufw status: %w", err)
	}

	numbers := taggedRuleNumbers(string(out))
	sort.Sort(sort.Reverse(sort.IntSlice(numbers)))
	for _, n := range numbers {
		if _, err := b.run(ctx, "ufw", "--force", "delete", strconv.Itoa(n)); err != nil {
			return fmt.Errorf("failed to delete ufw rule %d: %w", n, err)
		}
	}

	b.logger.Infof("Flushed %d miniwaf ufw rules", len(numbers))
	return nil
}

// taggedRuleNumbers parses "ufw status numbered" lines such as
// "[ 3] Anywhere   DENY IN   10.0.0.5   # miniwaf".
func taggedRuleNumbers(status string) []int {
	var numbers []int
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "# "+ruleComment) {
			continue
		}
		end := strings.IndexByte(line, ']')
		if end < 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(line[1:end]))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	return numbers
}

func containsField(fields []string, value string) bool {
	for _, field := range fields {
		if field == value {
			return true
		}
	}
	return false
}
