package firewall

import (
	"context"
	"sync"
)

// MockBackend implements a mock firewall backend for testing and dry runs
type MockBackend struct {
	rules map[string]*Rule
	mutex sync.RWMutex
}

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		rules: make(map[string]*Rule),
	}
}

// Name returns the backend name
func (b *MockBackend) Name() string {
	return "mock"
}

// Block records the rule
func (b *MockBackend) Block(ctx context.Context, rule *Rule) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.rules[rule.IP] = rule
	return nil
}

// IsBlocked reports whether a rule was recorded for the IP
func (b *MockBackend) IsBlocked(ctx context.Context, ip string) (bool, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	_, ok := b.rules[ip]
	return ok, nil
}

// Flush removes all rules from the mock backend
func (b *MockBackend) Flush(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.rules = make(map[string]*Rule)
	return nil
}

// Len returns the number of recorded rules
func (b *MockBackend) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return len(b.rules)
}
