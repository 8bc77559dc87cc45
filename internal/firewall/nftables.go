package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
	"github.com/Anipaleja/miniwaf/internal/config"
)

// NftablesBackend adds banned addresses to an nftables set that a drop rule
// references
type NftablesBackend struct {
	run    command.Runner
	logger *logrus.Logger
	family string
	table  string
	chain  string
	set    string
}

// NewNftablesBackend creates a new nftables backend
func NewNftablesBackend(cfg config.FirewallConfig, run command.Runner, logger *logrus.Logger) (*NftablesBackend, error) {
	backend := &NftablesBackend{
		run:    run,
		logger: logger,
		family: orDefault(cfg.Family, "inet"),
		table:  orDefault(cfg.Table, "filter"),
		chain:  strings.ToLower(orDefault(cfg.Chain, "input")),
		set:    orDefault(cfg.Set, "miniwaf"),
	}

	if err := backend.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize nftables: %w", err)
	}

	return backend, nil
}

// Name returns the backend name
func (b *NftablesBackend) Name() string {
	return "nftables"
}

// Block adds the address to the set. Adding an existing element is a no-op in nft.
func (b *NftablesBackend) Block(ctx context.Context, rule *Rule) error {
	args := []string{"add", "element", b.family, b.table, b.set, "{", rule.IP, "}"}
	if _, err := b.run(ctx, "nft", args...); err != nil {
		return fmt.Errorf("nftables command failed: %w", err)
	}

	b.logger.Debugf("Added IP %s to nftables set %s", rule.IP, b.set)
	return nil
}

// IsBlocked checks if an IP is in the set
func (b *NftablesBackend) IsBlocked(ctx context.Context, ip string) (bool, error) {
	args := []string{"get", "element", b.family, b.table, b.set, "{", ip, "}"}
	if _, err := b.run(ctx, "nft", args...); err != nil {
		return false, nil
	}
	return true, nil
}

// Flush empties the set
func (b *NftablesBackend) Flush(ctx context.Context) error {
	if _, err := b.run(ctx, "nft", "flush", "set", b.family, b.table, b.set); err != nil {
		return fmt.Errorf("failed to flush nftables set: %w", err)
	}

	b.logger.Info("Flushed all miniwaf nftables elements")
	return nil
}

// initialize sets up the table, the set and the rule dropping its members
func (b *NftablesBackend) initialize() error {
	ctx := context.Background()
	commands := [][]string{
		{"add", "table", b.family, b.table},
		{"add", "set", b.family, b.table, b.set, "{", "type", "ipv4_addr", ";", "}"},
	}

	for _, args := range commands {
		if _, err := b.run(ctx, "nft", args...); err != nil {
			if !strings.Contains(err.Error(), "exists") {
				return err
			}
		}
	}

	// Only add the drop rule once; "nft list" shows it when present.
	out, err := b.run(ctx, "nft", "list", "chain", b.family, b.table, b.chain)
	if err == nil && strings.Contains(string(out), "@"+b.set) {
		return nil
	}
	rule := []string{"add", "rule", b.family, b.table, b.chain, "ip", "saddr", "@" + b.set, "drop"}
	if _, err := b.run(ctx, "nft", rule...); err != nil {
		b.logger.WithError(err).Warnf("Failed to add nftables drop rule for set %s", b.set)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
