package firewall

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
	"github.com/Anipaleja/miniwaf/internal/config"
)

// PfBackend implements firewall operations using OpenBSD/FreeBSD pf.
// pf.conf is expected to block the table, e.g. "block in quick from <miniwaf>".
type PfBackend struct {
	run    command.Runner
	logger *logrus.Logger
	table  string
}

// NewPfBackend creates a new pf backend
func NewPfBackend(cfg config.FirewallConfig, run command.Runner, logger *logrus.Logger) (*PfBackend, error) {
	return &PfBackend{
		run:    run,
		logger: logger,
		table:  orDefault(cfg.Set, "miniwaf"),
	}, nil
}

// Name returns the backend name
func (b *PfBackend) Name() string {
	return "pf"
}

// Block adds the IP to the pf table
func (b *PfBackend) Block(ctx context.Context, rule *Rule) error {
	if _, err := b.run(ctx, "pfctl", "-t", b.table, "-T", "add", rule.IP); err != nil {
		return fmt.Errorf("failed to add IP to pf table: %w", err)
	}

	// Drop established states so the client is cut off immediately.
	if _, err := b.run(ctx, "pfctl", "-k", rule.IP); err != nil {
		b.logger.WithError(err).Debugf("Failed to kill pf states for %s", rule.IP)
	}

	b.logger.Debugf("Added IP %s to pf table %s", rule.IP, b.table)
	return nil
}

// IsBlocked checks if an IP is blocked
func (b *PfBackend) IsBlocked(ctx context.Context, ip string) (bool, error) {
	// pfctl returns 0 if IP is in table, 1 if not
	_, err := b.run(ctx, "pfctl", "-t", b.table, "-T", "test", ip)
	return err == nil, nil
}

// Flush removes all addresses from the table
func (b *PfBackend) Flush(ctx context.Context) error {
	if _, err := b.run(ctx, "pfctl", "-t", b.table, "-T", "flush"); err != nil {
		return fmt.Errorf("failed to flush pf table: %w", err)
	}

	b.logger.Info("Flushed all miniwaf pf table entries")
	return nil
}
