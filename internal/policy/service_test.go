package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TimurManjosov/gopolicy/internal/audit"
	"github.com/TimurManjosov/gopolicy/internal/engine"
	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/fixtures"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
	"github.com/TimurManjosov/gopolicy/internal/store"
)

type fakeGauge struct{ value float64 }

func (g *fakeGauge) Set(v float64) { g.value = v }

type harness struct {
	svc   *Service
	cache *engine.Cache
	sink  *audit.MemorySink
	audit *audit.Service
	gauge *fakeGauge
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sink := audit.NewMemorySink()
	auditSvc := audit.NewService(sink, logger, audit.Options{})
	t.Cleanup(func() { _ = auditSvc.Close() })

	cache := engine.NewCache(logger)
	exec := evaluation.NewExecutor(cache, logger, evaluation.Options{Audit: auditSvc})
	gauge := &fakeGauge{}
	svc := NewService(store.NewMemoryStore(), cache, exec, nil, logger, Options{
		AuditReader: sink,
		ActiveRules: gauge,
	})
	return &harness{svc: svc, cache: cache, sink: sink, audit: auditSvc, gauge: gauge}
}

func (h *harness) createFixture(t *testing.T, name string) *rules.Rule {
	t.Helper()
	r, err := h.svc.CreateRule(context.Background(), CreateRuleRequest{
		Name:       name,
		PolicyType: policyTypeOf(name),
		Source:     fixtures.Source(name),
		Parameters: fixtures.Parameters(name),
	})
	require.NoError(t, err)
	return r
}

func policyTypeOf(name string) rules.PolicyType {
	switch name {
	case fixtures.TransactionLimit:
		return rules.PolicyTransactionLimit
	case fixtures.FinancingEligibility:
		return rules.PolicyFinancingEligibility
	case fixtures.RiskFlag:
		return rules.PolicyRiskFlag
	}
	return "COUNTER"
}

// flush closes the audit service so every queued entry reaches the sink.
func (h *harness) flush(t *testing.T) []audit.Entry {
	t.Helper()
	require.NoError(t, h.audit.Close())
	return h.sink.Entries()
}

var silverInput = map[string]any{
	"customerTier":      "SILVER",
	"transactionAmount": "3000000",
	"cumulativeAmount":  "5000000",
}

func TestCreateRule_DerivesFieldsFromSource(t *testing.T) {
	h := newHarness(t)
	r := h.createFixture(t, fixtures.TransactionLimit)

	assert.Equal(t, 1, r.Version)
	assert.True(t, r.Active)
	assert.Equal(t, "TransactionLimitFact", r.FactType)
	require.Len(t, r.Fields, 6)
	assert.Len(t, r.Fields.Inputs(), 3)
	assert.Len(t, r.Parameters, 3)
	assert.Equal(t, float64(1), h.gauge.value)
}

func TestCreateRule_RejectsInvalidSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateRuleRequest
		message string
	}{
		{
			name:    "missing source",
			req:     CreateRuleRequest{Name: "x", PolicyType: rules.PolicyRiskFlag},
			message: "source",
		},
		{
			name:    "bad envelope",
			req:     CreateRuleRequest{Name: "", PolicyType: "lower", Source: fixtures.Source(fixtures.RiskFlag)},
			message: "name",
		},
		{
			name: "sandbox violation",
			req: CreateRuleRequest{
				Name:       "x",
				PolicyType: rules.PolicyRiskFlag,
				Source:     strings.Replace(fixtures.Source(fixtures.RiskFlag), "then", "then\n        os.Exit(1);", 1),
			},
			message: "os.Exit",
		},
		{
			name:    "no fact type",
			req:     CreateRuleRequest{Name: "x", PolicyType: rules.PolicyRiskFlag, Source: "package policy.rules;\n"},
			message: "no fact type declared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateRule(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, evaluation.ErrValidation), "got %v", err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestCreateRule_FromDefinition(t *testing.T) {
	h := newHarness(t)
	def := rules.Definition{
		Name:       "Large transfer",
		PolicyType: rules.PolicyRiskFlag,
		FactType:   "TransferFact",
		Conditions: []rules.Condition{
			{Field: "amount", Operator: rules.OpGt, Value: rules.StringPtr("threshold"), ValueType: rules.ValueExpression},
		},
		Actions: []rules.Action{
			{Field: "flagged", Value: rules.StringPtr("true")},
		},
		Parameters: []rules.Parameter{{Key: "threshold", Value: "1000", Type: schema.TypeDecimal}},
		Fields: schema.Schema{
			{Name: "amount", Type: schema.TypeDecimal, Category: schema.CategoryInput, Order: 1},
			{Name: "flagged", Type: schema.TypeBoolean, Category: schema.CategoryResult, Order: 2},
		},
	}
	r, err := h.svc.CreateRule(context.Background(), CreateRuleRequest{Definition: &def})
	require.NoError(t, err)
	assert.Equal(t, "Large transfer", r.Name)
	assert.Equal(t, rules.PolicyRiskFlag, r.PolicyType)
	assert.Contains(t, r.Source, "declare TransferFact")

	res, err := h.svc.TestRule(context.Background(), r.ID, map[string]any{"amount": 5000})
	require.NoError(t, err)
	assert.Equal(t, true, res.Result["flagged"])
}

func TestUpdateRule_BumpsVersionAndEvicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.TransactionLimit)

	_, err := h.svc.EvaluateRule(ctx, r.ID, silverInput)
	require.NoError(t, err)
	oldKey := engine.Key{RuleID: r.ID, Version: 1}
	require.True(t, h.cache.Contains(oldKey))

	src := strings.Replace(fixtures.Source(fixtures.TransactionLimit), `"Transaction within daily limit for SILVER tier"`, `"OK"`, -1)
	updated, err := h.svc.UpdateRule(ctx, r.ID, UpdateRuleRequest{Source: &src})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.False(t, h.cache.Contains(oldKey))

	res, err := h.svc.EvaluateRule(ctx, r.ID, silverInput)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RuleVersion)
	assert.Equal(t, "OK", res.Result["reason"])
}

type failingUpdates struct {
	store.Store
}

func (failingUpdates) UpdateRule(context.Context, rules.Rule) (*rules.Rule, error) {
	return nil, errors.New("db down")
}

func TestUpdateRule_StoreFailureKeepsCaching(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cache := engine.NewCache(logger)
	exec := evaluation.NewExecutor(cache, logger, evaluation.Options{})
	svc := NewService(failingUpdates{Store: store.NewMemoryStore()}, cache, exec, nil, logger, Options{})
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, CreateRuleRequest{
		Name:       "limits",
		PolicyType: rules.PolicyTransactionLimit,
		Source:     fixtures.Source(fixtures.TransactionLimit),
		Parameters: fixtures.Parameters(fixtures.TransactionLimit),
	})
	require.NoError(t, err)
	_, err = svc.EvaluateRule(ctx, r.ID, silverInput)
	require.NoError(t, err)

	src := fixtures.Source(fixtures.TransactionLimit) + "\n"
	_, err = svc.UpdateRule(ctx, r.ID, UpdateRuleRequest{Source: &src})
	require.Error(t, err)
	assert.Equal(t, evaluation.ErrorTypeInternal, evaluation.TypeOf(err))

	stored, err := svc.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)

	for i := 0; i < 3; i++ {
		_, err = svc.EvaluateRule(ctx, r.ID, silverInput)
		require.NoError(t, err)
	}
	key := engine.Key{RuleID: r.ID, Version: 1}
	assert.True(t, cache.Contains(key))
	st := cache.Stats()
	assert.Equal(t, uint64(2), st.Compiles, "recompiled once after the failed update, then cached")
	assert.Equal(t, uint64(2), st.Hits)
}

func TestUpdateRule_MetadataOnlyKeepsVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.TransactionLimit)

	name := "Renamed"
	params := []rules.Parameter{
		{Key: "silverDailyLimit", Value: "1000", Type: schema.TypeDecimal},
		{Key: "goldDailyLimit", Value: "2000", Type: schema.TypeDecimal},
	}
	updated, err := h.svc.UpdateRule(ctx, r.ID, UpdateRuleRequest{Name: &name, Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)
	assert.Equal(t, "Renamed", updated.Name)

	// parameters are bound per session, so the new limit applies at once
	res, err := h.svc.EvaluateRule(ctx, r.ID, silverInput)
	require.NoError(t, err)
	assert.Equal(t, false, res.Result["allowed"])
}

func TestUpdateRule_InvalidSourceLeavesRuleUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.RiskFlag)

	bad := "rule \"broken\"\n"
	_, err := h.svc.UpdateRule(ctx, r.ID, UpdateRuleRequest{Source: &bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, evaluation.ErrValidation))

	got, err := h.svc.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, r.Source, got.Source)
}

func TestUpdateRule_NotFound(t *testing.T) {
	h := newHarness(t)
	name := "x"
	_, err := h.svc.UpdateRule(context.Background(), "missing", UpdateRuleRequest{Name: &name})
	assert.True(t, evaluation.IsNotFound(err))
}

func TestToggleRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.RiskFlag)

	off, err := h.svc.ToggleRule(ctx, r.ID, nil)
	require.NoError(t, err)
	assert.False(t, off.Active)
	assert.Equal(t, 1, off.Version)
	assert.Equal(t, float64(0), h.gauge.value)

	_, err = h.svc.Evaluate(ctx, rules.PolicyRiskFlag, map[string]any{})
	assert.True(t, evaluation.IsNotFound(err))

	active := true
	on, err := h.svc.ToggleRule(ctx, r.ID, &active)
	require.NoError(t, err)
	assert.True(t, on.Active)

	_, err = h.svc.ToggleRule(ctx, "missing", nil)
	assert.True(t, evaluation.IsNotFound(err))
}

func TestEvaluate_WritesAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.TransactionLimit)

	res, err := h.svc.Evaluate(ctx, rules.PolicyTransactionLimit, silverInput)
	require.NoError(t, err)
	assert.Equal(t, r.ID, res.RuleID)
	assert.Equal(t, "2000000", res.Result["remainingLimit"])

	_, err = h.svc.TestRule(ctx, r.ID, silverInput)
	require.NoError(t, err)

	entries := h.flush(t)
	require.Len(t, entries, 1, "test runs are not audited")
	assert.Equal(t, r.ID, entries[0].RuleID)
	assert.Equal(t, "TRANSACTION_LIMIT", entries[0].PolicyType)
}

func TestEvaluate_NoActiveRule(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Evaluate(context.Background(), rules.PolicyFinancingEligibility, map[string]any{})
	assert.True(t, evaluation.IsNotFound(err))
	assert.Empty(t, h.flush(t))
}

func TestEvaluateRule_InactiveRuleStillRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.TransactionLimit)
	_, err := h.svc.ToggleRule(ctx, r.ID, nil)
	require.NoError(t, err)

	_, err = h.svc.EvaluateRule(ctx, r.ID, silverInput)
	assert.NoError(t, err)

	_, err = h.svc.EvaluateRule(ctx, "missing", silverInput)
	assert.True(t, evaluation.IsNotFound(err))
}

func TestListRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createFixture(t, fixtures.TransactionLimit)
	risk := h.createFixture(t, fixtures.RiskFlag)
	h.createFixture(t, fixtures.FinancingEligibility)
	_, err := h.svc.ToggleRule(ctx, risk.ID, nil)
	require.NoError(t, err)

	active := true
	page, err := h.svc.ListRules(ctx, ListRulesFilter{Active: &active, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Content, 1)

	byType, err := h.svc.ListRules(ctx, ListRulesFilter{PolicyType: rules.PolicyRiskFlag})
	require.NoError(t, err)
	require.Len(t, byType.Content, 1)
	assert.Equal(t, risk.ID, byType.Content[0].ID)
}

func TestSchema(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.TransactionLimit)

	ps, err := h.svc.Schema(ctx, rules.PolicyTransactionLimit)
	require.NoError(t, err)
	assert.Equal(t, r.ID, ps.RuleID)
	assert.Equal(t, "TransactionLimitFact", ps.FactType)
	require.Len(t, ps.InputFields, 3)
	assert.Equal(t, "customerTier", ps.InputFields[0].Name)
	assert.Equal(t, []string{"SILVER", "GOLD", "PLATINUM"}, ps.InputFields[0].EnumValues)
	assert.Len(t, ps.ResultFields, 3)

	byRule, err := h.svc.SchemaByRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ps, byRule)

	_, err = h.svc.Schema(ctx, rules.PolicyRiskFlag)
	assert.True(t, evaluation.IsNotFound(err))
}

func TestMetadata(t *testing.T) {
	m := newHarness(t).svc.Metadata()
	assert.Equal(t, rules.PolicyTypes(), m.PolicyTypes)
	assert.Len(t, m.Operators[schema.TypeDecimal], 6)
	assert.Equal(t, []rules.Operator{rules.OpEq, rules.OpNeq}, m.Operators[schema.TypeString])
	assert.Equal(t, []rules.Operator{rules.OpEq}, m.Operators[schema.TypeBoolean])
	assert.Empty(t, m.Operators[schema.TypeListString])
	assert.NotContains(t, m.ParameterTypes, schema.TypeListString)
}

func TestValidateAndGenerate(t *testing.T) {
	h := newHarness(t)

	ok := h.svc.Validate(fixtures.Source(fixtures.RiskFlag))
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.Errors)

	bad := h.svc.Validate("import java.io.File;\n")
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Errors)

	_, err := h.svc.Generate(rules.Definition{})
	assert.True(t, errors.Is(err, evaluation.ErrValidation))
}

func TestListAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.TransactionLimit)
	for i := 0; i < 3; i++ {
		_, err := h.svc.Evaluate(ctx, rules.PolicyTransactionLimit, silverInput)
		require.NoError(t, err)
	}
	h.flush(t)

	page, err := h.svc.ListAudit(ctx, AuditFilter{RuleID: r.ID, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalElements)
	assert.Len(t, page.Content, 2)

	none := NewService(store.NewMemoryStore(), h.cache, nil, nil, nil, Options{})
	_, err = none.ListAudit(ctx, AuditFilter{})
	assert.True(t, errors.Is(err, evaluation.ErrUnsupported))
}

func TestInvalidateRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.createFixture(t, fixtures.RiskFlag)
	_, err := h.svc.TestRule(ctx, r.ID, map[string]any{})
	require.NoError(t, err)

	key := engine.Key{RuleID: r.ID, Version: r.Version}
	require.True(t, h.cache.Contains(key))
	h.svc.InvalidateRule(r.ID, r.Version)
	assert.False(t, h.cache.Contains(key))
}
