package rules

import (
	"time"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// Operator is a comparison operator used in rule conditions. The value is the
// operator symbol as it appears in generated rule source.
type Operator string

// Supported condition operators.
const (
	OpEq  Operator = "=="
	OpNeq Operator = "!="
	OpGt  Operator = ">"
	OpLt  Operator = "<"
	OpGte Operator = ">="
	OpLte Operator = "<="
)

// operatorAliases accepts the word forms used by older clients.
var operatorAliases = map[string]Operator{
	"eq":  OpEq,
	"neq": OpNeq,
	"gt":  OpGt,
	"lt":  OpLt,
	"gte": OpGte,
	"lte": OpLte,
}

// ValueType selects how a condition or action value is written into source.
// An empty ValueType means "use the field's own type".
type ValueType string

// ValueExpression emits the value verbatim as an expression. It is how a
// definition refers to parameters or computes derived results.
const ValueExpression ValueType = "EXPRESSION"

// PolicyType identifies the business policy a rule implements.
type PolicyType string

// Known policy types.
const (
	PolicyTransactionLimit     PolicyType = "TRANSACTION_LIMIT"
	PolicyFinancingEligibility PolicyType = "FINANCING_ELIGIBILITY"
	PolicyRiskFlag             PolicyType = "RISK_FLAG"
)

// PolicyTypes lists the known policy types in display order.
func PolicyTypes() []PolicyType {
	return []PolicyType{PolicyTransactionLimit, PolicyFinancingEligibility, PolicyRiskFlag}
}

// Condition is one guard of a generated rule. All conditions of a definition
// are combined with AND semantics.
type Condition struct {
	Field     string    `json:"field" yaml:"field"`
	Operator  Operator  `json:"operator" yaml:"operator"`
	Value     *string   `json:"value" yaml:"value"`
	ValueType ValueType `json:"valueType,omitempty" yaml:"valueType,omitempty"`
}

// Action writes one RESULT field when the rule matches.
type Action struct {
	Field     string    `json:"field" yaml:"field"`
	Value     *string   `json:"value" yaml:"value"`
	ValueType ValueType `json:"valueType,omitempty" yaml:"valueType,omitempty"`
}

// Parameter is a named external value bound into a session as a global.
type Parameter struct {
	Key         string           `json:"key" yaml:"key"`
	Value       string           `json:"value" yaml:"value"`
	Type        schema.FieldType `json:"type" yaml:"type"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition is the structured form of a single rule, the input to Generate.
type Definition struct {
	Name       string        `json:"name" yaml:"name"`
	PolicyType PolicyType    `json:"policyType" yaml:"policyType"`
	FactType   string        `json:"factType" yaml:"factType"`
	Salience   int           `json:"salience,omitempty" yaml:"salience,omitempty"`
	Conditions []Condition   `json:"conditions" yaml:"conditions"`
	Actions    []Action      `json:"actions" yaml:"actions"`
	Parameters []Parameter   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Fields     schema.Schema `json:"fields" yaml:"fields"`
}

// Rule is a stored rule record. Version starts at 1 and is bumped whenever the
// source or schema changes.
type Rule struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	PolicyType  PolicyType    `json:"policyType" yaml:"policyType"`
	FactType    string        `json:"factType" yaml:"factType"`
	Source      string        `json:"source" yaml:"source"`
	Active      bool          `json:"active" yaml:"active"`
	Version     int           `json:"version" yaml:"version"`
	Fields      schema.Schema `json:"fields" yaml:"fields"`
	Parameters  []Parameter   `json:"parameters" yaml:"parameters"`
	CreatedAt   time.Time     `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt" yaml:"updatedAt"`
}

// ParameterMap returns the parameters keyed by name. The map is a copy.
func (r *Rule) ParameterMap() map[string]Parameter {
	out := make(map[string]Parameter, len(r.Parameters))
	for _, p := range r.Parameters {
		out[p.Key] = p
	}
	return out
}

// StringPtr is a helper for building definitions in code.
func StringPtr(s string) *string { return &s }
