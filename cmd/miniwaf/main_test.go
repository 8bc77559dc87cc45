package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anipaleja/miniwaf/internal/config"
)

const envRequest = `2023/01/01 00:00:00 [error] 1234#0: *1 open() "/usr/local/nginx/html/.env" failed (2: No such file or directory), client: 10.0.0.5, server: localhost, request: "GET /.env HTTP/1.1", host: "example.com"`

func TestFlagsOverrideConfig(t *testing.T) {
	opts, err := parseFlags([]string{
		"-e", "/var/log/nginx/error.log",
		"-d", "/etc/nginx/deny.conf",
		"-r", "/etc/miniwaf/rules.txt",
		"-b", "/usr/sbin/nginx",
		"-p", "/var/lib/miniwaf/pos",
		"-interval", "30s",
		"-dry-run",
		"-debug",
	}, io.Discard)
	require.NoError(t, err)

	cfg := config.Default()
	opts.apply(cfg)

	assert.Equal(t, "/var/log/nginx/error.log", cfg.Scan.LogPath)
	assert.Equal(t, "/etc/nginx/deny.conf", cfg.Deny.Path)
	assert.Equal(t, "/etc/miniwaf/rules.txt", cfg.Rules.Path)
	assert.Equal(t, "/usr/sbin/nginx", cfg.Reload.NginxBin)
	assert.Equal(t, "/var/lib/miniwaf/pos", cfg.Scan.PositionFile)
	assert.Equal(t, 30*time.Second, cfg.Schedule.Interval)
	assert.True(t, cfg.Scan.DryRun)
	assert.Equal(t, "debug", cfg.Logs.Level)
}

func TestUnsetFlagsKeepConfig(t *testing.T) {
	opts, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)

	cfg := config.Default()
	opts.apply(cfg)
	assert.Equal(t, config.Default(), cfg)
}

func TestUnknownFlag(t *testing.T) {
	_, err := parseFlags([]string{"-x"}, io.Discard)
	assert.Error(t, err)
	assert.Equal(t, 2, run([]string{"-x"}, io.Discard))
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miniwaf.log")
	logger, closer, err := newLogger(config.LogsConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	logger.Warn("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, closer, err = newLogger(config.LogsConfig{Level: "bogus"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, run([]string{"-version"}, &out))
	assert.Contains(t, out.String(), "miniwaf "+version)
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, run([]string{"-validate", "-c", filepath.Join(t.TempDir(), "missing.yaml")}, &out))
	assert.Equal(t, "Configuration is valid\n", out.String())

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("firewall:\n  backend: ipfw\n"), 0644))
	assert.Equal(t, 1, run([]string{"-validate", "-c", bad}, io.Discard))
}

func TestRunSinglePass(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "error.log")
	denyPath := filepath.Join(dir, "deny.conf")
	require.NoError(t, os.WriteFile(logPath, []byte(envRequest+"\n"), 0644))

	cfg := config.Default()
	cfg.Reload.Enabled = false
	cfg.Logs.Output = filepath.Join(dir, "miniwaf.log")
	configPath := filepath.Join(dir, "miniwaf.yaml")
	require.NoError(t, cfg.Save(configPath))

	assert.Equal(t, 0, run([]string{"-c", configPath, "-e", logPath, "-d", denyPath}, io.Discard))

	data, err := os.ReadFile(denyPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "deny 10.0.0.5;"))

	// The second run resumes after the first and adds nothing.
	assert.Equal(t, 0, run([]string{"-c", configPath, "-e", logPath, "-d", denyPath}, io.Discard))
	again, err := os.ReadFile(denyPath)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRunFlushFirewall(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Reload.Enabled = false
	cfg.Firewall.Backend = "mock"
	cfg.Logs.Output = filepath.Join(dir, "miniwaf.log")
	configPath := filepath.Join(dir, "miniwaf.yaml")
	require.NoError(t, cfg.Save(configPath))

	assert.Equal(t, 0, run([]string{"-c", configPath, "-flush-firewall"}, io.Discard))

	cfg.Firewall.Backend = ""
	require.NoError(t, cfg.Save(configPath))
	assert.Equal(t, 1, run([]string{"-c", configPath, "-flush-firewall"}, io.Discard))
}

func TestRunMissingLogFails(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Reload.Enabled = false
	cfg.Logs.Output = filepath.Join(dir, "miniwaf.log")
	configPath := filepath.Join(dir, "miniwaf.yaml")
	require.NoError(t, cfg.Save(configPath))

	args := []string{"-c", configPath, "-e", filepath.Join(dir, "missing.log"), "-d", filepath.Join(dir, "deny.conf")}
	assert.Equal(t, 1, run(args, io.Discard))
}
