package policy

import (
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// CreateRuleRequest creates a rule from source, or from a structured
// definition when Source is empty.
type CreateRuleRequest struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	PolicyType  rules.PolicyType  `json:"policyType" yaml:"policyType"`
	FactType    string            `json:"factType,omitempty" yaml:"factType,omitempty"`
	Source      string            `json:"source,omitempty" yaml:"source,omitempty"`
	Active      *bool             `json:"active,omitempty" yaml:"active,omitempty"`
	Fields      schema.Schema     `json:"fields,omitempty" yaml:"fields,omitempty"`
	Parameters  []rules.Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Definition  *rules.Definition `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// UpdateRuleRequest changes the non-nil parts of a rule. Parameters, when
// present, replace the whole parameter set.
type UpdateRuleRequest struct {
	Name        *string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description *string           `json:"description,omitempty" yaml:"description,omitempty"`
	FactType    *string           `json:"factType,omitempty" yaml:"factType,omitempty"`
	Source      *string           `json:"source,omitempty" yaml:"source,omitempty"`
	Fields      schema.Schema     `json:"fields,omitempty" yaml:"fields,omitempty"`
	Parameters  []rules.Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Definition  *rules.Definition `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// ListRulesFilter selects a page of rules. Page is 0-based.
type ListRulesFilter struct {
	PolicyType rules.PolicyType
	Active     *bool
	Page       int
	Size       int
}

// AuditFilter selects a page of audit entries, newest first.
type AuditFilter struct {
	PolicyType string
	RuleID     string
	Page       int
	Size       int
}

// FieldInfo describes one fact field to clients building evaluation input.
type FieldInfo struct {
	Name       string           `json:"name"`
	Type       schema.FieldType `json:"type"`
	EnumValues []string         `json:"enumValues,omitempty"`
	Order      int              `json:"order"`
}

// PolicySchema lists the input and result fields of a rule.
type PolicySchema struct {
	PolicyType   rules.PolicyType `json:"policyType"`
	RuleID       string           `json:"ruleId"`
	RuleName     string           `json:"ruleName"`
	RuleVersion  int              `json:"ruleVersion"`
	FactType     string           `json:"factType"`
	InputFields  []FieldInfo      `json:"inputFields"`
	ResultFields []FieldInfo      `json:"resultFields"`
}

// Metadata is what a rule editor needs to offer valid choices.
type Metadata struct {
	PolicyTypes    []rules.PolicyType                     `json:"policyTypes"`
	FieldTypes     []schema.FieldType                     `json:"fieldTypes"`
	Operators      map[schema.FieldType][]rules.Operator `json:"operators"`
	ParameterTypes []schema.FieldType                     `json:"parameterTypes"`
}

// ValidationReport is the outcome of validating rule source without saving it.
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}
