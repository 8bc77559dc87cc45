package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/app"
	"github.com/Anipaleja/miniwaf/internal/config"
)

var (
	version   = "v1.0.0"
	buildTime = "unknown"
	gitHash   = "unknown"
)

// options holds the command line. Empty values leave the configuration untouched.
type options struct {
	configPath   string
	logPath      string
	denyPath     string
	rulesPath    string
	nginxBin     string
	positionPath string
	interval     time.Duration
	dryRun       bool
	debug        bool
	validate     bool
	version      bool
	flush        bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("miniwaf", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.configPath, "c", "", "Path to configuration file")
	fs.StringVar(&opts.logPath, "e", "", "Path to the nginx log to scan")
	fs.StringVar(&opts.denyPath, "d", "", "Path to the deny configuration")
	fs.StringVar(&opts.rulesPath, "r", "", "Path to the rule file")
	fs.StringVar(&opts.nginxBin, "b", "", "Path to the nginx binary")
	fs.StringVar(&opts.positionPath, "p", "", "Path to the position file")
	fs.DurationVar(&opts.interval, "interval", 0, "Scan every interval instead of once")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Run in dry-run mode (no deny entries, no reload)")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&opts.version, "version", false, "Show version information")
	fs.BoolVar(&opts.flush, "flush-firewall", false, "Remove the firewall rules miniwaf added and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// apply overrides configuration values with the flags that were set.
func (o *options) apply(cfg *config.Config) {
	if o.logPath != "" {
		cfg.Scan.LogPath = o.logPath
	}
	if o.denyPath != "" {
		cfg.Deny.Path = o.denyPath
	}
	if o.rulesPath != "" {
		cfg.Rules.Path = o.rulesPath
	}
	if o.nginxBin != "" {
		cfg.Reload.NginxBin = o.nginxBin
	}
	if o.positionPath != "" {
		cfg.Scan.PositionFile = o.positionPath
	}
	if o.interval > 0 {
		cfg.Schedule.Interval = o.interval
	}
	if o.dryRun {
		cfg.Scan.DryRun = true
	}
	if o.debug {
		cfg.Logs.Level = "debug"
	}
}

// newLogger builds the logger from the logs section. The returned closer
// releases a log file and is never nil.
func newLogger(cfg config.LogsConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err == nil {
		logger.SetLevel(level)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var closer io.Closer = io.NopCloser(nil)
	switch cfg.Output {
	case "", "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output: %w", err)
		}
		logger.SetOutput(f)
		closer = f
	}

	return logger, closer, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	if opts.version {
		fmt.Fprintf(stdout, "miniwaf %s\n", version)
		fmt.Fprintf(stdout, "Build time: %s\n", buildTime)
		fmt.Fprintf(stdout, "Git hash: %s\n", gitHash)
		return 0
	}

	// Load configuration
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logrus.WithError(err).Error("Failed to load configuration")
		return 1
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Error("Invalid configuration")
		return 1
	}

	if opts.validate {
		fmt.Fprintln(stdout, "Configuration is valid")
		return 0
	}

	logger, closer, err := newLogger(cfg.Logs)
	if err != nil {
		logrus.WithError(err).Error("Failed to initialize logger")
		return 1
	}
	defer closer.Close()

	logger.Debugf("Starting miniwaf %s (build: %s, commit: %s)", version, buildTime, gitHash)

	application, err := app.New(cfg, logger, app.WithVersion(version))
	if err != nil {
		logger.WithError(err).Error("Failed to create application")
		return 1
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.flush {
		if err := application.FlushFirewall(ctx); err != nil {
			logger.WithError(err).Error("Failed to flush firewall")
			return 1
		}
		return 0
	}

	if cfg.Schedule.Interval > 0 {
		if err := application.Serve(ctx); err != nil {
			logger.WithError(err).Error("Scan loop failed")
			return 1
		}
		logger.Info("miniwaf stopped")
		return 0
	}

	if cfg.Server.Enabled {
		logger.Warn("Status server requires an interval, ignoring server.enabled for a single pass")
	}

	result, err := application.Run(ctx)
	if err != nil {
		logger.WithError(err).Error("Scan failed")
		return 1
	}

	logger.WithFields(logrus.Fields{
		"lines":    result.Lines,
		"bans":     len(result.Bans),
		"offset":   result.EndOffset,
		"stop":     result.Stop,
		"duration": result.Duration,
	}).Info("Scan complete")
	return 0
}
