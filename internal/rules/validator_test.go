package rules

import (
	"errors"
	"testing"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

func financingDefinition() Definition {
	return Definition{
		Name:       "Financing - minimum age",
		PolicyType: PolicyFinancingEligibility,
		FactType:   "FinancingFact",
		Conditions: []Condition{
			{Field: "age", Operator: OpLt, Value: StringPtr("21")},
		},
		Actions: []Action{
			{Field: "eligible", Value: StringPtr("false")},
			{Field: "reasons", Value: StringPtr("Applicant is below minimum age of 21")},
		},
		Fields: schema.Schema{
			{Name: "age", Type: schema.TypeInteger, Category: schema.CategoryInput, Order: 1},
			{Name: "monthlyIncome", Type: schema.TypeDecimal, Category: schema.CategoryInput, Order: 2},
			{Name: "eligible", Type: schema.TypeBoolean, Category: schema.CategoryResult, Order: 3},
			{Name: "reasons", Type: schema.TypeListString, Category: schema.CategoryResult, Order: 4},
		},
	}
}

// ---------------------------------------------------------------------------
// Validation — success cases
// ---------------------------------------------------------------------------

func TestValidateDefinition_Success(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"as built", func(d *Definition) {}},
		{"null condition value", func(d *Definition) { d.Conditions[0].Value = nil; d.Conditions[0].Operator = OpNeq }},
		{"expression action", func(d *Definition) {
			d.Actions = append(d.Actions, Action{Field: "eligible", Value: StringPtr("age >= 21"), ValueType: ValueExpression})
		}},
		{"no conditions", func(d *Definition) { d.Conditions = nil }},
		{"unknown value type", func(d *Definition) {
			d.Actions = append(d.Actions, Action{Field: "reasons", Value: StringPtr("manual review"), ValueType: "CUSTOM"})
		}},
		{"string override on an integer field", func(d *Definition) {
			d.Conditions[0].Value = StringPtr("twenty")
			d.Conditions[0].ValueType = "STRING"
		}},
		{"parameters", func(d *Definition) {
			d.Parameters = []Parameter{{Key: "minAge", Value: "21", Type: schema.TypeInteger}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := financingDefinition()
			tt.mutate(&d)
			if err := ValidateDefinition(d); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Validation — failure cases
// ---------------------------------------------------------------------------

func TestValidateDefinition_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr error
	}{
		{"empty name", func(d *Definition) { d.Name = " " }, ErrInvalidDefinition},
		{"bad fact type", func(d *Definition) { d.FactType = "Financing Fact" }, ErrInvalidDefinition},
		{"no actions", func(d *Definition) { d.Actions = nil }, ErrInvalidDefinition},
		{"duplicate field", func(d *Definition) { d.Fields = append(d.Fields, d.Fields[0]) }, ErrInvalidDefinition},
		{"unknown condition field", func(d *Definition) { d.Conditions[0].Field = "salary" }, ErrInvalidCondition},
		{"condition on result", func(d *Definition) { d.Conditions[0].Field = "eligible"; d.Conditions[0].Operator = OpEq }, ErrInvalidCondition},
		{"action on input", func(d *Definition) { d.Actions[0].Field = "age" }, ErrInvalidAction},
		{"operator not allowed for type", func(d *Definition) {
			d.Conditions[0] = Condition{Field: "monthlyIncome", Operator: "contains", Value: StringPtr("1")}
		}, ErrInvalidOperator},
		{"integer literal", func(d *Definition) { d.Conditions[0].Value = StringPtr("twenty") }, ErrInvalidValue},
		{"decimal literal", func(d *Definition) {
			d.Conditions[0] = Condition{Field: "monthlyIncome", Operator: OpGte, Value: StringPtr("5,000,000")}
		}, ErrInvalidValue},
		{"boolean literal", func(d *Definition) { d.Actions[0].Value = StringPtr("nope") }, ErrInvalidValue},
		{"empty expression", func(d *Definition) { d.Actions[0].Value = StringPtr(""); d.Actions[0].ValueType = ValueExpression }, ErrInvalidValue},
		{"literal checked against overriding value type", func(d *Definition) {
			d.Actions[0] = Action{Field: "reasons", Value: StringPtr("abc"), ValueType: "DECIMAL"}
		}, ErrInvalidValue},
		{"bad parameter type", func(d *Definition) {
			d.Parameters = []Parameter{{Key: "x", Value: "a", Type: schema.TypeListString}}
		}, ErrInvalidParameter},
		{"bad parameter value", func(d *Definition) {
			d.Parameters = []Parameter{{Key: "x", Value: "a", Type: schema.TypeDecimal}}
		}, ErrInvalidParameter},
		{"parameter shadows field", func(d *Definition) {
			d.Parameters = []Parameter{{Key: "age", Value: "1", Type: schema.TypeInteger}}
		}, ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := financingDefinition()
			tt.mutate(&d)
			err := ValidateDefinition(d)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseOperator(t *testing.T) {
	for in, want := range map[string]Operator{"lte": OpLte, "GT": OpGt, "==": OpEq, " != ": OpNeq} {
		got, err := ParseOperator(in)
		if err != nil || got != want {
			t.Errorf("ParseOperator(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseOperator("contains"); !errors.Is(err, ErrInvalidOperator) {
		t.Errorf("expected ErrInvalidOperator, got %v", err)
	}
}

func TestOperatorsFor(t *testing.T) {
	if got := OperatorsFor(schema.TypeBoolean); len(got) != 1 || got[0] != OpEq {
		t.Errorf("BOOLEAN operators = %v", got)
	}
	if got := OperatorsFor(schema.TypeListString); len(got) != 0 {
		t.Errorf("LIST_STRING operators = %v", got)
	}
	ops := OperatorsFor(schema.TypeDecimal)
	ops[0] = "mutated"
	if OperatorsFor(schema.TypeDecimal)[0] != OpEq {
		t.Error("OperatorsFor must return a copy")
	}
}
