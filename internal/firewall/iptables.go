package firewall

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
	"github.com/Anipaleja/miniwaf/internal/config"
)

const ruleComment = "miniwaf"

// IptablesBackend implements firewall operations using iptables
type IptablesBackend struct {
	run    command.Runner
	logger *logrus.Logger
	chain  string
}

// NewIptablesBackend creates a new iptables backend
func NewIptablesBackend(cfg config.FirewallConfig, run command.Runner, logger *logrus.Logger) (*IptablesBackend, error) {
	chain := cfg.Chain
	if chain == "" {
		chain = "INPUT"
	}

	backend := &IptablesBackend{
		run:    run,
		logger: logger,
		chain:  chain,
	}

	if err := backend.initializeChain(); err != nil {
		return nil, fmt.Errorf("failed to initialize iptables chain: %w", err)
	}

	return backend, nil
}

// Name returns the backend name
func (b *IptablesBackend) Name() string {
	return "iptables"
}

// Block inserts a rule for the address at the top of the chain
func (b *IptablesBackend) Block(ctx context.Context, rule *Rule) error {
	args := b.ruleArgs(rule)
	if _, err := b.run(ctx, "iptables", append([]string{"-I", b.chain}, args...)...); err != nil {
		return fmt.Errorf("failed to insert iptables rule: %w", err)
	}

	b.logger.Debugf("Added iptables rule for IP %s with action %s", rule.IP, rule.Action)
	return nil
}

func (b *IptablesBackend) ruleArgs(rule *Rule) []string {
	args := []string{"-s", rule.IP, "-j", string(rule.Action)}
	if rule.Action == ActionReject {
		args = append(args, "--reject-with", "icmp-host-prohibited")
	}
	return append(args, "-m", "comment", "--comment", ruleComment)
}

// IsBlocked checks if an IP is blocked. -C succeeds when the rule is present.
func (b *IptablesBackend) IsBlocked(ctx context.Context, ip string) (bool, error) {
	for _, action := range []Action{ActionDrop, ActionReject} {
		args := b.ruleArgs(&Rule{IP: ip, Action: action})
		if _, err := b.run(ctx, "iptables", append([]string{"-C", b.chain}, args...)...); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Flush empties a dedicated chain. The built-in chains are never flushed.
func (b *IptablesBackend) Flush(ctx context.Context) error {
	if isBuiltinChain(b.chain) {
		return fmt.Errorf("refusing to flush built-in chain %s", b.chain)
	}
	if _, err := b.run(ctx, "iptables", "-F", b.chain); err != nil {
		return fmt.Errorf("failed to flush iptables chain: %w", err)
	}

	b.logger.Info("Flushed all miniwaf iptables rules")
	return nil
}

// initializeChain creates a dedicated chain when one is configured and
// jumps to it from INPUT so the kernel consults it.
func (b *IptablesBackend) initializeChain() error {
	if isBuiltinChain(b.chain) {
		return nil
	}

	ctx := context.Background()
	if _, err := b.run(ctx, "iptables", "-N", b.chain); err != nil {
		// Chain might already exist
		b.logger.WithError(err).Debug("iptables chain creation skipped")
	}

	if _, err := b.run(ctx, "iptables", "-C", "INPUT", "-j", b.chain); err == nil {
		return nil
	}
	if _, err := b.run(ctx, "iptables", "-I", "INPUT", "-j", b.chain); err != nil {
		return fmt.Errorf("failed to jump to chain %s from INPUT: %w", b.chain, err)
	}
	return nil
}

func isBuiltinChain(chain string) bool {
	return chain == "INPUT" || chain == "FORWARD" || chain == "OUTPUT"
}
