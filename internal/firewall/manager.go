package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/command"
	"github.com/Anipaleja/miniwaf/internal/config"
	"github.com/Anipaleja/miniwaf/internal/denylist"
)

// Action represents the type of firewall action
type Action string

const (
	ActionDrop   Action = "DROP"
	ActionReject Action = "REJECT"
)

// Rule represents a firewall rule mirroring a deny entry
type Rule struct {
	IP        string    `json:"ip"`
	Action    Action    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
}

// Backend interface for different firewall implementations
type Backend interface {
	Block(ctx context.Context, rule *Rule) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	Flush(ctx context.Context) error
	Name() string
}

// Manager mirrors new bans into the host firewall so that banned clients are
// dropped before they reach nginx.
type Manager struct {
	config  config.FirewallConfig
	backend Backend
	logger  *logrus.Logger

	mutex   sync.RWMutex
	rules   map[string]*Rule
	failed  int
	blocked int
}

// NewManager creates a new firewall manager. A nil runner executes real commands.
func NewManager(cfg config.FirewallConfig, run command.Runner, logger *logrus.Logger) (*Manager, error) {
	if run == nil {
		run = command.Exec
	}

	manager := &Manager{
		config: cfg,
		rules:  make(map[string]*Rule),
		logger: logger,
	}

	backend, err := manager.createBackend(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create firewall backend: %w", err)
	}
	manager.backend = backend

	logger.Infof("Firewall manager initialized with backend: %s", backend.Name())
	return manager, nil
}

// createBackend creates the appropriate firewall backend
func (m *Manager) createBackend(run command.Runner) (Backend, error) {
	switch m.config.Backend {
	case "iptables":
		return NewIptablesBackend(m.config, run, m.logger)
	case "nftables":
		return NewNftablesBackend(m.config, run, m.logger)
	case "pf":
		return NewPfBackend(m.config, run, m.logger)
	case "ufw":
		return NewUfwBackend(m.config, run, m.logger)
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown firewall backend: %q", m.config.Backend)
	}
}

// Backend returns the active backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// Mirror blocks every banned address. Failures are collected so one bad
// address does not stop the rest.
func (m *Manager) Mirror(ctx context.Context, bans []denylist.Record) (int, error) {
	var errs []error
	applied := 0

	for _, ban := range bans {
		if err := m.BlockIP(ctx, ban.IP, ban.Rule); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}

	return applied, errors.Join(errs...)
}

// BlockIP blocks an IP address
func (m *Manager) BlockIP(ctx context.Context, ip string, reason string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}

	m.mutex.RLock()
	_, exists := m.rules[addr.String()]
	m.mutex.RUnlock()
	if exists {
		m.logger.Debugf("IP %s is already blocked", ip)
		return nil
	}

	rule := &Rule{
		IP:        addr.String(),
		Action:    m.action(),
		CreatedAt: time.Now(),
		Reason:    reason,
	}

	// A rule left by an earlier process is adopted instead of duplicated.
	present, err := m.backend.IsBlocked(ctx, rule.IP)
	if err != nil {
		m.logger.WithError(err).Debugf("Failed to check firewall for IP %s", ip)
	}
	if present {
		m.mutex.Lock()
		m.rules[rule.IP] = rule
		m.mutex.Unlock()
		m.logger.Debugf("IP %s already blocked by %s", ip, m.backend.Name())
		return nil
	}

	if err := m.backend.Block(ctx, rule); err != nil {
		m.mutex.Lock()
		m.failed++
		m.mutex.Unlock()
		m.logger.WithError(err).Errorf("Failed to block IP %s", ip)
		return fmt.Errorf("backend failed to block %s: %w", ip, err)
	}

	m.mutex.Lock()
	m.rules[rule.IP] = rule
	m.blocked++
	m.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"ip":      rule.IP,
		"action":  rule.Action,
		"backend": m.backend.Name(),
	}).Info("Mirrored ban into firewall")
	return nil
}

// Flush removes every rule miniwaf added through the backend.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.backend.Flush(ctx); err != nil {
		return err
	}

	m.mutex.Lock()
	m.rules = make(map[string]*Rule)
	m.mutex.Unlock()
	return nil
}

func (m *Manager) action() Action {
	if Action(m.config.Target) == ActionReject {
		return ActionReject
	}
	return ActionDrop
}

// IsBlocked checks whether the manager has blocked an IP in this process
func (m *Manager) IsBlocked(ip string) (bool, *Rule) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rule, exists := m.rules[ip]
	return exists, rule
}

// GetRules returns the rules applied in this process
func (m *Manager) GetRules() []*Rule {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rules := make([]*Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule)
	}
	return rules
}

// GetStats returns firewall statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"backend":     m.backend.Name(),
		"total_rules": len(m.rules),
		"blocked":     m.blocked,
		"failed":      m.failed,
	}
}
