package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TimurManjosov/gopolicy/internal/pagination"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It uses a map for storage and RWMutex for thread-safe concurrent access.
// This implementation is suitable for development, testing, or single-instance deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]rules.Rule
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]rules.Rule),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateRule(_ context.Context, r rules.Rule) (*rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r = prepareNew(r, m.now())
	if _, exists := m.rules[r.ID]; exists {
		return nil, fmt.Errorf("rule %s already exists", r.ID)
	}
	m.rules[r.ID] = *cloneRule(r)
	return cloneRule(r), nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, r rules.Rule) (*rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rules[r.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = m.now()
	m.rules[r.ID] = *cloneRule(r)
	return cloneRule(r), nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (*rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRule(r), nil
}

func (m *MemoryStore) ListRules(_ context.Context, f ListFilter) (pagination.Page[rules.Rule], error) {
	m.mu.RLock()
	matched := make([]rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if matches(r, f) {
			matched = append(matched, *cloneRule(r))
		}
	}
	m.mu.RUnlock()

	sortRules(matched)
	return pagination.Slice(matched, f.Page), nil
}

func (m *MemoryStore) ActiveRuleForPolicyType(_ context.Context, policyType rules.PolicyType) (*rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *rules.Rule
	for _, r := range m.rules {
		if !r.Active || r.PolicyType != policyType {
			continue
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) ||
			(r.UpdatedAt.Equal(best.UpdatedAt) && r.ID < best.ID) {
			best = cloneRule(r)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active rule for policy type %s", ErrNotFound, policyType)
	}
	return best, nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) (*rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Active = active
	r.UpdatedAt = m.now()
	m.rules[id] = r
	return cloneRule(r), nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
