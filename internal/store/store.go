// Package store persists rule records.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/TimurManjosov/gopolicy/internal/pagination"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// ErrNotFound is returned for a missing rule id, or when a policy type has no
// active rule.
var ErrNotFound = errors.New("rule not found")

// ListFilter narrows ListRules. Empty fields match everything.
type ListFilter struct {
	PolicyType rules.PolicyType
	Active     *bool
	Page       pagination.Request
}

// Store defines rule persistence. Implementations must be safe for concurrent
// use. Listings are ordered by UpdatedAt, newest first.
type Store interface {
	// CreateRule stores a new rule. An empty ID is assigned, the version
	// starts at 1 and both timestamps are set.
	CreateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)

	// UpdateRule replaces the stored rule with the same ID, keeping its
	// creation time and stamping UpdatedAt. The caller decides the version.
	UpdateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)

	GetRule(ctx context.Context, id string) (*rules.Rule, error)

	ListRules(ctx context.Context, f ListFilter) (pagination.Page[rules.Rule], error)

	// ActiveRuleForPolicyType returns the most recently updated active rule.
	ActiveRuleForPolicyType(ctx context.Context, policyType rules.PolicyType) (*rules.Rule, error)

	// SetActive changes only the active flag. The version is unchanged.
	SetActive(ctx context.Context, id string, active bool) (*rules.Rule, error)

	// Close releases any resources held by the store.
	Close() error
}

// prepareNew fills the fields CreateRule owns.
func prepareNew(r rules.Rule, now time.Time) rules.Rule {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Parameters == nil {
		r.Parameters = []rules.Parameter{}
	}
	return r
}

// sortRules orders newest UpdatedAt first, then by ID for a stable listing.
func sortRules(rs []rules.Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func matches(r rules.Rule, f ListFilter) bool {
	if f.PolicyType != "" && r.PolicyType != f.PolicyType {
		return false
	}
	if f.Active != nil && r.Active != *f.Active {
		return false
	}
	return true
}

// cloneRule copies the slices of r so callers cannot mutate stored state.
func cloneRule(r rules.Rule) *rules.Rule {
	out := r
	out.Fields = append(r.Fields[:0:0], r.Fields...)
	for i := range out.Fields {
		out.Fields[i].EnumValues = append([]string(nil), r.Fields[i].EnumValues...)
	}
	out.Parameters = append(r.Parameters[:0:0], r.Parameters...)
	return &out
}
