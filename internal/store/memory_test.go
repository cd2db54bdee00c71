package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TimurManjosov/gopolicy/internal/pagination"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

func testRule(name string, policyType rules.PolicyType) rules.Rule {
	return rules.Rule{
		Name:       name,
		PolicyType: policyType,
		FactType:   "LimitFact",
		Source:     "rule source of " + name,
		Active:     true,
		Fields: schema.Schema{
			{Name: "amount", Type: schema.TypeDecimal, Category: schema.CategoryInput, Order: 1},
			{Name: "allowed", Type: schema.TypeBoolean, Category: schema.CategoryResult, Order: 2},
		},
		Parameters: []rules.Parameter{{Key: "limit", Value: "100", Type: schema.TypeDecimal}},
	}
}

// steppingClock returns a store whose clock advances one second per call.
func steppingClock(m *MemoryStore) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	m.now = func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	in := testRule("Limit", rules.PolicyTransactionLimit)
	in.Version = 7
	created, err := store.CreateRule(ctx, in)
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if created.ID == "" {
		t.Error("expected an id to be assigned")
	}
	if created.Version != 1 {
		t.Errorf("expected version 1, got %d", created.Version)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Errorf("expected equal non-zero timestamps, got %v / %v", created.CreatedAt, created.UpdatedAt)
	}

	got, err := store.GetRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.Name != "Limit" || len(got.Fields) != 2 || len(got.Parameters) != 1 {
		t.Errorf("unexpected rule: %+v", got)
	}

	// returned values are copies
	got.Fields[0].Name = "mutated"
	again, _ := store.GetRule(ctx, created.ID)
	if again.Fields[0].Name != "amount" {
		t.Error("mutating a returned rule changed the stored rule")
	}

	if _, err := store.CreateRule(ctx, rules.Rule{ID: created.ID}); err == nil {
		t.Error("expected duplicate id to fail")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule: expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpdateRule(ctx, rules.Rule{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRule: expected ErrNotFound, got %v", err)
	}
	if _, err := store.SetActive(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive: expected ErrNotFound, got %v", err)
	}
	if _, err := store.ActiveRuleForPolicyType(ctx, rules.PolicyRiskFlag); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveRuleForPolicyType: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateKeepsCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	steppingClock(store)
	ctx := context.Background()

	created, _ := store.CreateRule(ctx, testRule("Limit", rules.PolicyTransactionLimit))
	upd := *created
	upd.Source = "new source"
	upd.Version = 2
	updated, err := store.UpdateRule(ctx, upd)
	if err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Error("UpdatedAt did not advance")
	}
	if updated.Version != 2 || updated.Source != "new source" {
		t.Errorf("unexpected update result: %+v", updated)
	}
}

func TestMemoryStore_ActiveRuleForPolicyType(t *testing.T) {
	store := NewMemoryStore()
	steppingClock(store)
	ctx := context.Background()

	older, _ := store.CreateRule(ctx, testRule("older", rules.PolicyRiskFlag))
	newer, _ := store.CreateRule(ctx, testRule("newer", rules.PolicyRiskFlag))
	_, _ = store.CreateRule(ctx, testRule("other", rules.PolicyTransactionLimit))

	got, err := store.ActiveRuleForPolicyType(ctx, rules.PolicyRiskFlag)
	if err != nil {
		t.Fatalf("ActiveRuleForPolicyType failed: %v", err)
	}
	if got.ID != newer.ID {
		t.Errorf("expected newest rule %s, got %s", newer.ID, got.ID)
	}

	toggled, err := store.SetActive(ctx, newer.ID, false)
	if err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if toggled.Version != newer.Version {
		t.Error("SetActive must not change the version")
	}
	got, _ = store.ActiveRuleForPolicyType(ctx, rules.PolicyRiskFlag)
	if got.ID != older.ID {
		t.Errorf("expected %s after deactivating the newer rule, got %s", older.ID, got.ID)
	}
}

func TestMemoryStore_ListRules(t *testing.T) {
	store := NewMemoryStore()
	steppingClock(store)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		pt := rules.PolicyRiskFlag
		if i == 4 {
			pt = rules.PolicyTransactionLimit
		}
		r, _ := store.CreateRule(ctx, testRule("r", pt))
		ids = append(ids, r.ID)
	}
	_, _ = store.SetActive(ctx, ids[0], false)

	page, err := store.ListRules(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if page.TotalElements != 5 {
		t.Errorf("expected 5 rules, got %d", page.TotalElements)
	}
	if page.Content[0].ID != ids[0] {
		t.Error("expected the most recently updated rule first")
	}

	active := true
	page, _ = store.ListRules(ctx, ListFilter{PolicyType: rules.PolicyRiskFlag, Active: &active, Page: pagination.Request{Number: 1, Size: 2}})
	if page.TotalElements != 3 || page.TotalPages != 2 || page.Number != 1 {
		t.Errorf("unexpected page metadata: %+v", page)
	}
	if len(page.Content) != 1 || page.Content[0].ID != ids[1] {
		t.Errorf("expected the oldest active risk rule on page 1, got %+v", page.Content)
	}
}
