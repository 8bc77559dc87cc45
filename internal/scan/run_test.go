package scan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anipaleja/miniwaf/internal/denylist"
	"github.com/Anipaleja/miniwaf/internal/position"
	"github.com/Anipaleja/miniwaf/pkg/patterns"
)

const (
	envRequest   = `2023/01/01 00:00:00 [error] 1234#0: *1 open() "/usr/local/nginx/html/.env" failed (2: No such file or directory), client: 10.0.0.5, server: localhost, request: "GET /.env HTTP/1.1", host: "example.com"`
	loginRequest = `10.0.0.6 - - [01/Jan/2023:00:00:00 +0000] "GET /wp-login.php HTTP/1.1" 404 153 "-" "curl/7.0"`
	benign404    = `10.0.0.7 - - [01/Jan/2023:00:00:01 +0000] "GET /favicon.ico HTTP/1.1" 404 153 "-" "curl/7.0"`
	benign200    = `10.0.0.8 - - [01/Jan/2023:00:00:02 +0000] "GET /wp-login.php HTTP/1.1" 200 512 "-" "curl/7.0"`
	forbidden    = `2023/01/01 00:00:03 [error] 1234#0: *2 access forbidden by rule, client: 10.0.0.9, server: localhost, request: "GET /.env HTTP/1.1"`
	mangled      = `10.0.0.300 - - [01/Jan/2023:00:00:04 +0000] "GET /.env HTTP/1.1" 404 153 "-" "curl/7.0"`
	localRequest = `127.0.0.1 - - [01/Jan/2023:00:00:05 +0000] "GET /.git/config HTTP/1.1" 404 153 "-" "curl/7.0"`
)

type fixture struct {
	dir      string
	logPath  string
	denyPath string
	posPath  string
}

func newFixture(t *testing.T, lines ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		logPath:  filepath.Join(dir, "error.log"),
		denyPath: filepath.Join(dir, "deny.conf"),
	}
	f.posPath = position.DefaultPath(f.logPath)
	require.NoError(t, os.WriteFile(f.logPath, []byte(joinLines(lines...)), 0644))
	return f
}

func joinLines(lines ...string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (f *fixture) options() Options {
	return Options{LogPath: f.logPath, DenyPath: f.denyPath}
}

func (f *fixture) appendLog(t *testing.T, text string) {
	t.Helper()
	file, err := os.OpenFile(f.logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func (f *fixture) run(t *testing.T, opts Options) *Result {
	t.Helper()
	result, err := Once(opts, defaultMatcher(), nil, testLogger())
	require.NoError(t, err)
	return result
}

func (f *fixture) deniedIPs(t *testing.T) []string {
	t.Helper()
	entries, err := denylist.ReadEntries(f.denyPath)
	require.NoError(t, err)
	ips := make([]string, 0, len(entries))
	for _, entry := range entries {
		ips = append(ips, entry.IP)
	}
	return ips
}

func defaultMatcher() *patterns.Matcher {
	return patterns.NewMatcher(patterns.Default())
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestExecuteBansMatchingClients(t *testing.T) {
	f := newFixture(t, envRequest, benign404, loginRequest, benign200, forbidden)

	result := f.run(t, f.options())

	assert.Equal(t, 5, result.Lines)
	assert.Equal(t, 3, result.Candidates, "error line and two 404s")
	assert.Equal(t, 1, result.Skipped[SkipNoMatch])
	require.Len(t, result.Bans, 2)
	assert.Equal(t, "10.0.0.5", result.Bans[0].IP)
	assert.Equal(t, ".env", result.Bans[0].Rule)
	assert.Equal(t, "error", result.Bans[0].Format)
	assert.Equal(t, "10.0.0.6", result.Bans[1].IP)
	assert.Equal(t, "access", result.Bans[1].Format)
	assert.Equal(t, "end_of_data", result.Stop)
	assert.True(t, result.PositionSaved)

	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, f.deniedIPs(t))

	info, err := os.Stat(f.logPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), result.EndOffset)

	saved, err := position.New(f.posPath).Load()
	require.NoError(t, err)
	assert.Equal(t, info.Size(), saved)
}

func TestExecuteIsIdempotent(t *testing.T) {
	f := newFixture(t, envRequest, loginRequest)

	first := f.run(t, f.options())
	require.Len(t, first.Bans, 2)
	before, err := os.ReadFile(f.denyPath)
	require.NoError(t, err)

	second := f.run(t, f.options())
	assert.Equal(t, 0, second.Lines)
	assert.Empty(t, second.Bans)
	assert.Equal(t, first.EndOffset, second.StartOffset)
	assert.Equal(t, first.EndOffset, second.EndOffset)

	after, err := os.ReadFile(f.denyPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecuteIgnoresDeniedEvenAfterPositionLoss(t *testing.T) {
	f := newFixture(t, envRequest, loginRequest)
	f.run(t, f.options())

	require.NoError(t, os.Remove(f.posPath))

	result := f.run(t, f.options())
	assert.Equal(t, 2, result.Lines)
	assert.Empty(t, result.Bans)
	assert.Equal(t, 2, result.Skipped[SkipDenied])
	assert.Len(t, f.deniedIPs(t), 2)
}

func TestExecuteResumesFromSavedPosition(t *testing.T) {
	f := newFixture(t, benign404)
	first := f.run(t, f.options())
	assert.Empty(t, first.Bans)

	f.appendLog(t, joinLines(loginRequest))

	second := f.run(t, f.options())
	assert.Equal(t, first.EndOffset, second.StartOffset)
	assert.Equal(t, 1, second.Lines)
	require.Len(t, second.Bans, 1)
	assert.Equal(t, "10.0.0.6", second.Bans[0].IP)
}

func banIPs(results ...*Result) []string {
	var ips []string
	for _, result := range results {
		for _, ban := range result.Bans {
			ips = append(ips, ban.IP)
		}
	}
	return ips
}

func TestExecuteSplitRunsMatchSingleRun(t *testing.T) {
	lines := []string{envRequest, benign404, loginRequest, benign200, forbidden, mangled, localRequest, envRequest, loginRequest}

	baseline := newFixture(t, lines...)
	want := banIPs(baseline.run(t, baseline.options()))
	require.Equal(t, []string{"10.0.0.5", "10.0.0.6", "127.0.0.1"}, want)

	for split := 0; split <= len(lines); split++ {
		f := newFixture(t, lines[:split]...)
		first := f.run(t, f.options())
		f.appendLog(t, joinLines(lines[split:]...))
		second := f.run(t, f.options())

		assert.Equal(t, want, banIPs(first, second), "split after line %d", split)
		assert.Equal(t, want, f.deniedIPs(t), "split after line %d", split)
		assert.Equal(t, first.EndOffset, second.StartOffset, "split after line %d", split)
	}
}

func TestExecuteBansAddressOnce(t *testing.T) {
	f := newFixture(t, loginRequest, loginRequest, loginRequest)

	result := f.run(t, f.options())
	assert.Len(t, result.Bans, 1)
	assert.Equal(t, 2, result.Skipped[SkipDenied])
	assert.Equal(t, []string{"10.0.0.6"}, f.deniedIPs(t))
}

func TestExecuteLeavesPartialTail(t *testing.T) {
	f := newFixture(t, benign404)
	complete := int64(len(benign404) + 1)
	f.appendLog(t, loginRequest[:20])

	first := f.run(t, f.options())
	assert.Equal(t, complete, first.EndOffset)
	assert.Empty(t, first.Bans)

	f.appendLog(t, loginRequest[20:]+"\n")

	second := f.run(t, f.options())
	assert.Equal(t, complete, second.StartOffset)
	require.Len(t, second.Bans, 1)
	assert.Equal(t, "10.0.0.6", second.Bans[0].IP)
}

func TestExecuteRestartsAfterRotation(t *testing.T) {
	f := newFixture(t, benign404, benign404, benign404)
	f.run(t, f.options())

	require.NoError(t, os.WriteFile(f.logPath, []byte(joinLines(loginRequest)), 0644))

	result := f.run(t, f.options())
	assert.True(t, result.Rotated)
	assert.Equal(t, int64(0), result.StartOffset)
	require.Len(t, result.Bans, 1)
	assert.Equal(t, "10.0.0.6", result.Bans[0].IP)
}

func TestExecuteSkipsMalformedAndWhitelisted(t *testing.T) {
	f := newFixture(t, mangled, localRequest, envRequest)
	whitelist, err := denylist.ParseWhitelist([]string{"127.0.0.1"})
	require.NoError(t, err)

	result, err := Once(f.options(), defaultMatcher(), whitelist, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped[SkipMalformed])
	assert.Equal(t, 1, result.Skipped[SkipWhitelisted])
	assert.Equal(t, []string{"10.0.0.5"}, f.deniedIPs(t))
}

func TestExecuteRequiresRuleMatch(t *testing.T) {
	f := newFixture(t, envRequest, loginRequest)

	result, err := Once(f.options(), patterns.NewMatcher(nil), nil, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 2, result.Skipped[SkipNoMatch])
	assert.Empty(t, result.Bans)
	assert.Empty(t, f.deniedIPs(t))
}

func TestExecuteStopsAtOversizedLine(t *testing.T) {
	long := loginRequest + strings.Repeat("x", 300)
	f := newFixture(t, envRequest, long, benign404)

	opts := f.options()
	opts.MaxLineLength = 250

	result := f.run(t, opts)
	assert.Equal(t, "oversized_line", result.Stop)
	assert.Equal(t, int64(len(envRequest)+1), result.EndOffset)
	assert.Equal(t, 1, result.Lines)
	assert.True(t, result.PositionSaved)

	saved, err := position.New(f.posPath).Load()
	require.NoError(t, err)
	assert.Equal(t, result.EndOffset, saved)
}

func TestExecuteStopsAtBlankLine(t *testing.T) {
	f := newFixture(t, benign404, "", loginRequest)

	result := f.run(t, f.options())
	assert.Equal(t, "blank_line", result.Stop)
	assert.Empty(t, result.Bans)

	opts := f.options()
	opts.SkipBlankLines = true
	result = f.run(t, opts)
	require.Len(t, result.Bans, 1)
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t, envRequest, loginRequest, envRequest)

	opts := f.options()
	opts.DryRun = true

	result := f.run(t, opts)
	assert.True(t, result.DryRun)
	assert.Len(t, result.Bans, 2)
	assert.Equal(t, 1, result.Skipped[SkipDenied])
	assert.False(t, result.PositionSaved)

	assert.Empty(t, f.deniedIPs(t))
	_, err := os.Stat(f.posPath)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenFailures(t *testing.T) {
	f := newFixture(t)

	opts := f.options()
	opts.LogPath = filepath.Join(f.dir, "missing.log")
	_, err := Open(opts, defaultMatcher(), nil, testLogger())
	assert.Error(t, err)

	opts = f.options()
	opts.DenyPath = filepath.Join(f.dir, "no", "such", "dir", "deny.conf")
	_, err = Open(opts, defaultMatcher(), nil, testLogger())
	assert.Error(t, err)
}

func TestOpenToleratesCorruptPosition(t *testing.T) {
	f := newFixture(t, loginRequest)
	require.NoError(t, os.WriteFile(f.posPath, []byte("garbage"), 0644))

	result := f.run(t, f.options())
	assert.Equal(t, int64(0), result.StartOffset)
	assert.Len(t, result.Bans, 1)
}

func TestCloseIsRepeatable(t *testing.T) {
	f := newFixture(t, benign404)
	run, err := Open(f.options(), defaultMatcher(), nil, testLogger())
	require.NoError(t, err)

	assert.NoError(t, run.Close())
	assert.NoError(t, run.Close())
}
