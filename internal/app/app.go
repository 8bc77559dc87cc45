// Package app wires the scanner to its follow-up actions and runs it once
// or on a schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
	"github.com/Anipaleja/miniwaf/internal/config"
	"github.com/Anipaleja/miniwaf/internal/denylist"
	"github.com/Anipaleja/miniwaf/internal/firewall"
	"github.com/Anipaleja/miniwaf/internal/metrics"
	"github.com/Anipaleja/miniwaf/internal/notification"
	"github.com/Anipaleja/miniwaf/internal/reload"
	"github.com/Anipaleja/miniwaf/internal/scan"
	"github.com/Anipaleja/miniwaf/internal/server"
	"github.com/Anipaleja/miniwaf/pkg/geoip"
	"github.com/Anipaleja/miniwaf/pkg/patterns"
)

// Option customises an Application.
type Option func(*Application)

// WithRunner replaces the external command runner used for nginx and the
// firewall.
func WithRunner(run command.Runner) Option {
	return func(a *Application) {
		a.run = run
	}
}

// WithVersion sets the version reported by the status API.
func WithVersion(version string) Option {
	return func(a *Application) {
		a.version = version
	}
}

// Application represents the main application
type Application struct {
	config  *config.Config
	logger  *logrus.Logger
	run     command.Runner
	version string

	matcher   *patterns.Matcher
	whitelist *denylist.Whitelist
	pass      func(scan.Options, *patterns.Matcher, *denylist.Whitelist, *logrus.Logger) (*scan.Result, error)

	// Follow-up components, nil when disabled
	reloader         *reload.Reloader
	firewallManager  *firewall.Manager
	notificationMgr  *notification.Manager
	metricsCollector *metrics.Collector
	geo              *geoip.Service
	webServer        *server.Server

	// Passes never overlap
	mu   sync.Mutex
	last *scan.Result
}

// New builds the application from configuration. Failing to load the rules,
// whitelist or any enabled component is fatal.
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Application, error) {
	app := &Application{
		config: cfg,
		logger: logger,
		run:    command.Exec,
		pass:   scan.Once,
	}
	for _, opt := range opts {
		opt(app)
	}

	rules := patterns.Default()
	if cfg.Rules.Path != "" {
		loaded, err := patterns.LoadFile(cfg.Rules.Path)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	app.matcher = patterns.NewMatcher(rules)
	logger.WithFields(logrus.Fields{
		"rules": app.matcher.Len(),
		"file":  cfg.Rules.Path,
	}).Info("Loaded rules")

	whitelist, err := denylist.ParseWhitelist(cfg.Deny.Whitelist)
	if err != nil {
		return nil, err
	}
	app.whitelist = whitelist

	app.metricsCollector = metrics.NewCollector(cfg.Metrics, logger)

	if cfg.Reload.Enabled {
		app.reloader = reload.New(cfg.Reload.NginxBin, cfg.Reload.TestConfig, app.run, logger)
	}

	if cfg.Firewall.Backend != "" {
		fwConfig := cfg.Firewall
		if cfg.Scan.DryRun {
			fwConfig.Backend = "mock"
			logger.Info("Running in dry-run mode - using mock firewall backend")
		}
		app.firewallManager, err = firewall.NewManager(fwConfig, app.run, logger)
		if err != nil {
			return nil, err
		}
	}

	app.geo, err = geoip.Open(cfg.GeoIP.DatabasePath)
	if err != nil {
		return nil, err
	}

	app.notificationMgr, err = notification.NewManager(cfg.Notifications, app.geo, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification manager: %w", err)
	}

	if cfg.Server.Enabled {
		app.webServer = server.NewServer(cfg.Server, server.Components{
			Scanner:  app,
			DenyPath: cfg.Deny.Path,
			Firewall: app.firewallManager,
			Metrics:  app.metricsCollector,
			GeoIP:    app.geo,
			Version:  app.version,
		}, logger)
	}

	return app, nil
}

// Matcher returns the loaded rule set.
func (a *Application) Matcher() *patterns.Matcher {
	return a.matcher
}

// Metrics returns the metrics collector.
func (a *Application) Metrics() *metrics.Collector {
	return a.metricsCollector
}

// LastResult returns the result of the most recent pass, or nil.
func (a *Application) LastResult() *scan.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Application) scanOptions() scan.Options {
	return scan.Options{
		LogPath:        a.config.Scan.LogPath,
		PositionPath:   a.config.Scan.PositionFile,
		DenyPath:       a.config.Deny.Path,
		MaxLineLength:  a.config.Scan.MaxLineLength,
		SkipBlankLines: a.config.Scan.SkipBlankLines,
		DryRun:         a.config.Scan.DryRun,
	}
}

// RunOnce performs one pass and the follow-up actions for its new bans.
// Follow-up failures are logged and counted but never undo a ban. A pass
// that fails after appending entries still reports them, so nginx is
// reloaded for the bans that took effect.
func (a *Application) RunOnce(ctx context.Context) (*scan.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.pass(a.scanOptions(), a.matcher, a.whitelist, a.logger)
	a.metricsCollector.RecordRun(result, err)
	if err != nil && (result == nil || len(result.Bans) == 0) {
		return nil, fmt.Errorf("scan pass failed: %w", err)
	}
	a.last = result

	if len(result.Bans) > 0 {
		a.followUp(ctx, result)
	}

	if a.webServer != nil {
		a.webServer.BroadcastUpdate("scan", result)
	}

	if err != nil {
		return result, fmt.Errorf("scan pass failed after %d bans: %w", len(result.Bans), err)
	}
	return result, nil
}

func (a *Application) followUp(ctx context.Context, result *scan.Result) {
	if !result.DryRun {
		if a.firewallManager != nil {
			applied, err := a.firewallManager.Mirror(ctx, result.Bans)
			a.metricsCollector.RecordFirewall(applied, len(result.Bans)-applied)
			if err != nil {
				a.logger.WithError(err).Error("Failed to mirror bans into firewall")
			}
		}

		if a.reloader != nil {
			err := a.reloader.Reload(ctx)
			a.metricsCollector.RecordReload(err)
		}
	}

	if a.notificationMgr.Enabled() {
		event := a.notificationMgr.NewEvent(result.LogPath, result.DryRun, result.Bans)
		for channel, err := range a.notificationMgr.Send(ctx, event) {
			a.metricsCollector.RecordNotification(channel, err)
		}
	}

	if a.webServer != nil {
		for _, ban := range result.Bans {
			a.webServer.BroadcastUpdate("ban", ban)
		}
	}
}

// FlushFirewall removes every rule miniwaf added to the configured firewall.
// deny.conf is left untouched.
func (a *Application) FlushFirewall(ctx context.Context) error {
	if a.firewallManager == nil {
		return errors.New("no firewall backend configured")
	}
	if err := a.firewallManager.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush firewall: %w", err)
	}

	a.logger.WithField("backend", a.firewallManager.Backend().Name()).Info("Flushed firewall rules")
	return nil
}

// Run performs a single pass and exports metrics for it.
func (a *Application) Run(ctx context.Context) (*scan.Result, error) {
	result, err := a.RunOnce(ctx)
	if flushErr := a.metricsCollector.Flush(ctx); flushErr != nil {
		a.logger.WithError(flushErr).Warn("Failed to export metrics")
	}
	return result, err
}

// Serve runs a pass every interval, and early when the log changes if
// watching is enabled, until ctx is cancelled. The status server runs
// alongside when enabled.
func (a *Application) Serve(ctx context.Context) error {
	interval := a.config.Schedule.Interval
	if interval <= 0 {
		return errors.New("schedule.interval must be positive to serve")
	}

	serverErr := make(chan error, 1)
	if a.webServer != nil {
		go func() {
			serverErr <- a.webServer.Start()
		}()
	}

	var changes <-chan struct{}
	if a.config.Schedule.WatchLog {
		watcher, err := newLogWatcher(a.config.Scan.LogPath, a.logger)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to watch log, relying on the interval only")
		} else {
			go watcher.Start(ctx)
			changes = watcher.Changes()
		}
	}

	a.logger.WithFields(logrus.Fields{
		"interval": interval,
		"log":      a.config.Scan.LogPath,
		"watch":    changes != nil,
	}).Info("Starting scan loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.servePass(ctx)
	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case err := <-serverErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			a.servePass(ctx)
		case <-changes:
			a.servePass(ctx)
		}
	}
}

func (a *Application) servePass(ctx context.Context) {
	if _, err := a.Run(ctx); err != nil {
		// Keep serving: the next pass retries from the last saved position.
		a.logger.WithError(err).Error("Scan pass failed")
	}
}

func (a *Application) shutdown() error {
	a.logger.Info("Starting graceful shutdown...")

	if a.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.webServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Error shutting down status server")
		}
	}

	a.logger.Info("Graceful shutdown completed")
	return nil
}

// Close releases resources held for the application's lifetime.
func (a *Application) Close() error {
	return a.geo.Close()
}
