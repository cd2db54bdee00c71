package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimurManjosov/gopolicy/internal/fixtures"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

func compileFixture(t *testing.T, name string) *KnowledgeBase {
	t.Helper()
	kb, err := Compile(name, fixtures.Source(name))
	require.NoError(t, err)
	return kb
}

func parameters(name string) map[string]any {
	out := map[string]any{}
	for _, p := range fixtures.Parameters(name) {
		out[p.Key] = p.Value
	}
	return out
}

func newSession(t *testing.T, kb *KnowledgeBase, globals map[string]any) *Session {
	t.Helper()
	s, err := kb.NewSession(globals)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, kb *KnowledgeBase, params string, input map[string]any) *Session {
	t.Helper()
	s := newSession(t, kb, parameters(params))
	t.Cleanup(s.Dispose)
	f := kb.NewFact()
	for k, v := range input {
		require.NoError(t, f.Set(k, v))
	}
	require.NoError(t, s.Insert(f))
	_, err := s.FireAllRules(context.Background())
	require.NoError(t, err)
	return s
}

func get(t *testing.T, f *Fact, name string) any {
	t.Helper()
	v, err := f.Get(name)
	require.NoError(t, err)
	return v
}

func TestTransactionLimit_SilverWithinLimit(t *testing.T) {
	kb := compileFixture(t, fixtures.TransactionLimit)
	s := run(t, kb, fixtures.TransactionLimit, map[string]any{
		"customerTier":      "SILVER",
		"transactionAmount": "3000000",
		"cumulativeAmount":  "5000000",
	})

	assert.Equal(t, true, get(t, s.Fact(), "allowed"))
	remaining := get(t, s.Fact(), "remainingLimit").(decimal.Decimal)
	assert.True(t, remaining.Equal(decimal.RequireFromString("2000000")), "got %s", remaining)
	assert.Equal(t, []string{"Silver within limit"}, s.Trace())
	assert.Equal(t, StateCompleted, s.State())
}

func TestTransactionLimit_Tiers(t *testing.T) {
	kb := compileFixture(t, fixtures.TransactionLimit)

	tests := []struct {
		name       string
		tier       string
		amount     string
		cumulative string
		allowed    bool
		remaining  string
		reason     string
	}{
		{"silver exact limit", "SILVER", "5000000", "5000000", true, "0", "SILVER"},
		{"silver over limit", "SILVER", "6000000", "5000000", false, "5000000", "SILVER"},
		{"silver already past limit clamps to zero", "SILVER", "1000", "12000000", false, "0", "SILVER"},
		{"gold within limit", "GOLD", "20000000", "10000000", true, "20000000", "GOLD"},
		{"gold over limit", "GOLD", "30000000", "30000000", false, "20000000", "GOLD"},
		{"platinum within limit", "PLATINUM", "50000000", "100000000", true, "50000000", "PLATINUM"},
		{"platinum over limit", "PLATINUM", "150000000", "100000000", false, "100000000", "PLATINUM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := run(t, kb, fixtures.TransactionLimit, map[string]any{
				"customerTier":      tt.tier,
				"transactionAmount": tt.amount,
				"cumulativeAmount":  tt.cumulative,
			})
			assert.Equal(t, tt.allowed, get(t, s.Fact(), "allowed"))
			remaining := get(t, s.Fact(), "remainingLimit").(decimal.Decimal)
			assert.True(t, remaining.Equal(decimal.RequireFromString(tt.remaining)), "got %s", remaining)
			assert.Contains(t, get(t, s.Fact(), "reason"), tt.reason)
		})
	}
}

func financingInput(age int, income, status, requested string) map[string]any {
	return map[string]any{
		"age":             age,
		"monthlyIncome":   income,
		"accountStatus":   status,
		"requestedAmount": requested,
	}
}

func reasons(t *testing.T, s *Session) []string {
	t.Helper()
	return get(t, s.Fact(), "reasons").([]string)
}

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestFinancing_Eligibility(t *testing.T) {
	kb := compileFixture(t, fixtures.FinancingEligibility)

	tests := []struct {
		name     string
		input    map[string]any
		eligible bool
		reason   string
	}{
		{"eligible", financingInput(30, "10000000", "ACTIVE", "50000000"), true, "All eligibility criteria met"},
		{"below minimum age", financingInput(18, "10000000", "ACTIVE", "50000000"), false, "below minimum age"},
		{"above maximum age", financingInput(70, "10000000", "ACTIVE", "50000000"), false, "exceeds maximum age"},
		{"income below minimum", financingInput(30, "3000000", "ACTIVE", "10000000"), false, "income below minimum"},
		{"dormant account", financingInput(30, "10000000", "DORMANT", "50000000"), false, "DORMANT"},
		{"amount over cap", financingInput(30, "10000000", "ACTIVE", "150000000"), false, "exceeds maximum financing"},
		{"boundary age 21", financingInput(21, "10000000", "ACTIVE", "50000000"), true, "All eligibility criteria met"},
		{"boundary age 65", financingInput(65, "10000000", "ACTIVE", "50000000"), true, "All eligibility criteria met"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := run(t, kb, fixtures.FinancingEligibility, tt.input)
			assert.Equal(t, tt.eligible, get(t, s.Fact(), "eligible"))
			got := reasons(t, s)
			assert.True(t, anyContains(got, tt.reason), "reasons %v", got)
			if !tt.eligible {
				assert.False(t, anyContains(got, "All eligibility criteria met"))
			}
		})
	}
}

func TestFinancing_ReportsEveryFailure(t *testing.T) {
	kb := compileFixture(t, fixtures.FinancingEligibility)
	s := run(t, kb, fixtures.FinancingEligibility, financingInput(18, "3000000", "CLOSED", "150000000"))

	assert.Equal(t, false, get(t, s.Fact(), "eligible"))
	assert.GreaterOrEqual(t, len(reasons(t, s)), 3)
	limit := get(t, s.Fact(), "maxFinancingAmount").(decimal.Decimal)
	assert.Equal(t, "30000000", limit.String())
}

func TestRiskFlag_AllRulesFire(t *testing.T) {
	kb := compileFixture(t, fixtures.RiskFlag)
	s := run(t, kb, fixtures.RiskFlag, map[string]any{
		"amount":         "150000000.00",
		"region":         "IRAN",
		"frequency":      15,
		"newBeneficiary": true,
	})

	assert.Equal(t, true, get(t, s.Fact(), "flagged"))
	assert.Equal(t, int64(75), get(t, s.Fact(), "riskScore"))
	assert.Equal(t, []string{"HIGH_AMOUNT", "HIGH_RISK_REGION", "HIGH_FREQUENCY_NEW_BENEFICIARY"}, get(t, s.Fact(), "flags"))
}

func TestRiskFlag_NullInputsDoNotMatch(t *testing.T) {
	kb := compileFixture(t, fixtures.RiskFlag)
	s := run(t, kb, fixtures.RiskFlag, map[string]any{"region": "FRANCE"})

	assert.Equal(t, false, get(t, s.Fact(), "flagged"))
	assert.Equal(t, int64(0), get(t, s.Fact(), "riskScore"))
	assert.Equal(t, []string{}, get(t, s.Fact(), "flags"))
}

func TestDecimalArithmeticIsExact(t *testing.T) {
	src := `declare F
    a : DECIMAL
    b : DECIMAL
    sum : DECIMAL @result
    rounded : DECIMAL @result
    text : STRING @result
end
rule "sum"
    when
        $f : F( a != null, b != null )
    then
        $f.sum = a + b;
        $f.rounded = (a * decimal("3")).round(1);
        $f.text = string(a + b);
end`
	kb, err := Compile("decimal", src)
	require.NoError(t, err)

	s := newSession(t, kb, nil)
	defer s.Dispose()
	f := kb.NewFact()
	require.NoError(t, f.Set("a", "0.1"))
	require.NoError(t, f.Set("b", "0.2"))
	require.NoError(t, s.Insert(f))
	_, err = s.FireAllRules(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.3", get(t, f, "sum").(decimal.Decimal).String())
	assert.Equal(t, "0.3", get(t, f, "rounded").(decimal.Decimal).String())
	assert.Equal(t, "0.3", get(t, f, "text"))
}

func TestDecimalKeepsScale(t *testing.T) {
	src := `declare F
    amount : DECIMAL
    echoed : DECIMAL @result
    text : STRING @result
end
rule "echo"
    when
        $f : F( amount != null )
    then
        $f.echoed = amount;
        $f.text = string(amount);
end`
	kb, err := Compile("scale", src)
	require.NoError(t, err)

	s := newSession(t, kb, nil)
	defer s.Dispose()
	f := kb.NewFact()
	require.NoError(t, f.Set("amount", "150000000.00"))
	require.NoError(t, s.Insert(f))
	_, err = s.FireAllRules(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "150000000.00", schema.FormatDecimal(get(t, f, "echoed").(decimal.Decimal)))
	assert.Equal(t, "150000000.00", get(t, f, "text"))
}

func TestNoLoop(t *testing.T) {
	src := `declare F
    n : INTEGER @result
end
rule "bump"
    no-loop
    when
        $f : F( )
    then
        $f.n = n + 1;
        update($f);
end`
	kb, err := Compile("noloop", src)
	require.NoError(t, err)

	s := newSession(t, kb, nil)
	defer s.Dispose()
	require.NoError(t, s.Insert(kb.NewFact()))
	n, err := s.FireAllRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), get(t, s.Fact(), "n"))
}

func TestUpdateReactivatesOtherRules(t *testing.T) {
	src := `declare F
    stage : INTEGER @result
    log : LIST_STRING @result
end
rule "first"
    salience 10
    no-loop
    when
        $f : F( stage == 0 )
    then
        $f.stage = 1;
        $f.log += "first";
        update($f);
end
rule "second"
    when
        $f : F( stage == 1 )
    then
        $f.stage = 2;
        $f.log += "second";
end`
	kb, err := Compile("chain", src)
	require.NoError(t, err)

	s := newSession(t, kb, nil)
	defer s.Dispose()
	require.NoError(t, s.Insert(kb.NewFact()))
	_, err = s.FireAllRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, get(t, s.Fact(), "log"))
}

func TestRunawayLoopStopsOnDeadline(t *testing.T) {
	kb := compileFixture(t, fixtures.Runaway)
	s := newSession(t, kb, nil)
	require.NoError(t, s.Insert(kb.NewFact()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err := s.FireAllRules(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, n, 1)
	assert.Equal(t, StateTimedOut, s.State())

	s.Dispose()
	s.Dispose()
	assert.Equal(t, int64(0), kb.OpenSessions())
	assert.Equal(t, StateDisposed, s.State())
}

func TestHaltFromAnotherGoroutine(t *testing.T) {
	kb := compileFixture(t, fixtures.Runaway)
	s := newSession(t, kb, nil)
	defer s.Dispose()
	require.NoError(t, s.Insert(kb.NewFact()))

	done := make(chan error, 1)
	go func() {
		_, err := s.FireAllRules(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Halt()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrHalted)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not halt")
	}
}

func TestSessionLifecycle(t *testing.T) {
	kb := compileFixture(t, fixtures.RiskFlag)

	_, err := kb.NewSession(map[string]any{"nope": 1})
	assert.ErrorIs(t, err, ErrUnknownGlobal)
	_, err = kb.NewSession(map[string]any{"maxFrequency": "ten"})
	assert.ErrorIs(t, err, schema.ErrCoercion)
	assert.Equal(t, int64(0), kb.OpenSessions())

	globals := map[string]any{"maxFrequency": "10"}
	s := newSession(t, kb, globals)
	globals["maxFrequency"] = "99"
	assert.Equal(t, int64(10), s.Global("maxFrequency"), "globals are copied on open")
	assert.Nil(t, s.Global("amountThreshold"))

	_, err = s.FireAllRules(context.Background())
	assert.ErrorIs(t, err, ErrNoFact)

	s.Dispose()
	assert.Error(t, s.Insert(kb.NewFact()))
	assert.Equal(t, int64(0), kb.OpenSessions())
}

func TestSessionsAreIsolated(t *testing.T) {
	kb := compileFixture(t, fixtures.RiskFlag)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := kb.NewSession(parameters(fixtures.RiskFlag))
			if !assert.NoError(t, err) {
				return
			}
			defer s.Dispose()
			f := kb.NewFact()
			amount := "1"
			if i%2 == 0 {
				amount = "200000000"
			}
			_ = f.Set("amount", amount)
			_ = s.Insert(f)
			_, err = s.FireAllRules(context.Background())
			assert.NoError(t, err)
			score, _ := f.Get("riskScore")
			if i%2 == 0 {
				assert.Equal(t, int64(25), score)
			} else {
				assert.Equal(t, int64(0), score)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(0), kb.OpenSessions())
}

func TestCompile_Diagnostics(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "no fact type",
			src:  "rule \"r\"\nwhen\n $f : F()\nthen\nend",
			want: "no fact type declared",
		},
		{
			name: "unknown variable",
			src:  "declare F\n a : INTEGER\n r : INTEGER @result\nend\nrule \"r\"\nwhen\n $f : F( b > 1 )\nthen\n $f.r = 1;\nend",
			want: "line 7: rule \"r\": undeclared reference to 'b'",
		},
		{
			name: "assign input",
			src:  "declare F\n a : INTEGER\nend\nrule \"r\"\nwhen\n $f : F()\nthen\n $f.a = 1;\nend",
			want: "line 8: rule \"r\": field a is an input field and cannot be assigned",
		},
		{
			name: "append to scalar",
			src:  "declare F\n r : STRING @result\nend\nrule \"r\"\nwhen\n $f : F()\nthen\n $f.r += \"x\";\nend",
			want: "+= requires LIST_STRING",
		},
		{
			name: "non boolean condition",
			src:  "declare F\n r : STRING @result\nend\nrule \"r\"\nwhen\n $f : F( 1 + 2 )\nthen\n $f.r = \"x\";\nend",
			want: "must be boolean",
		},
		{
			name: "unresolved import",
			src:  "import policy.util.Files;\ndeclare F\n r : STRING @result\nend",
			want: "line 1: unresolved import policy.util.Files",
		},
		{
			name: "wrong fact type",
			src:  "declare F\n r : STRING @result\nend\nrule \"r\"\nwhen\n $g : G()\nthen\nend",
			want: "unknown fact type G",
		},
		{
			name: "global shadows field",
			src:  "global STRING r;\ndeclare F\n r : STRING @result\nend",
			want: "global r shadows a field of F",
		},
		{
			name: "syntax error",
			src:  "declare F\n r : MONEY\nend",
			want: "line 2:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("t", tt.src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCompilation))
			var ce *CompilationError
			require.True(t, errors.As(err, &ce))
			assert.Contains(t, ce.Error(), tt.want)
		})
	}
}

func TestVerify_Warnings(t *testing.T) {
	src := "import policy.model.Other;\ndeclare F\n r : STRING @result\nend\nrule \"empty\"\nwhen\n $f : F()\nthen\nend"
	diags := Verify(src)
	require.Len(t, diags, 2)
	for _, d := range diags {
		assert.Equal(t, SeverityWarning, d.Severity)
	}
	assert.Equal(t, "line 1: unused import policy.model.Other", diags[0].String())
	assert.Equal(t, `line 5: rule "empty": rule has no actions`, diags[1].String())
}

func TestCompile_FallbackSchema(t *testing.T) {
	fields := schema.Schema{
		{Name: "score", Type: schema.TypeInteger, Category: schema.CategoryInput, Order: 1},
		{Name: "ok", Type: schema.TypeBoolean, Category: schema.CategoryResult, Order: 2},
	}
	src := "rule \"r\"\nwhen\n $f : ScoreFact( score > 5 )\nthen\n $f.ok = true;\nend"
	kb, err := Compile("fallback", src, WithFactSchema("ScoreFact", fields))
	require.NoError(t, err)
	assert.Equal(t, "ScoreFact", kb.FactType().Name)
	assert.Equal(t, []string{"r"}, kb.RuleNames())
}

func TestSalienceOrdering(t *testing.T) {
	src := `declare F
    log : LIST_STRING @result
end
rule "low"
    salience -5
    when
        $f : F()
    then
        $f.log += "low";
end
rule "high"
    salience 5
    when
        $f : F()
    then
        $f.log += "high";
end
rule "mid"
    when
        $f : F()
    then
        $f.log += "mid";
end`
	kb, err := Compile("order", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, kb.RuleNames())
}
