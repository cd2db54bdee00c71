// Package validation checks rule requests and gates rule source before it is
// compiled.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

const (
	// MaxNameLength is the maximum length for rule names
	MaxNameLength = 128
	// MaxDescriptionLength is the maximum length for rule descriptions
	MaxDescriptionLength = 500
	// MaxSourceSize is the maximum size of rule source in bytes
	MaxSourceSize = 256 * 1024 // 256KB
	// MaxParameters is the maximum number of parameters per rule
	MaxParameters = 64
)

// policyTypePattern matches upper-case identifiers such as RISK_FLAG
var policyTypePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:  true,
		Errors: make(map[string]string),
	}
}

// AddError adds a field error and marks the result as invalid
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Merge combines another validation result into this one
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		v.AddError(field, message)
	}
}

// RuleValidationParams contains the parameters for validating a rule request
type RuleValidationParams struct {
	Name        string
	Description string
	PolicyType  string
	FactType    string
	Source      string
	Fields      schema.Schema
	Parameters  []rules.Parameter
}

// ValidateRule validates the envelope of a create or update request. Source
// content is checked separately by Validate.
func ValidateRule(params RuleValidationParams) *ValidationResult {
	result := NewValidationResult()

	result.Merge(ValidateName(params.Name))
	result.Merge(ValidateDescription(params.Description))
	result.Merge(ValidatePolicyType(params.PolicyType))
	result.Merge(ValidateSourceSize(params.Source))

	if params.FactType != "" && !identifierPattern.MatchString(params.FactType) {
		result.AddError("factType", "Fact type must be a valid identifier")
	}

	if len(params.Fields) > 0 {
		result.Merge(ValidateFields(params.Fields))
	}

	if len(params.Parameters) > 0 {
		result.Merge(ValidateParameters(params.Parameters))
	}

	return result
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName validates a rule name
func ValidateName(name string) *ValidationResult {
	result := NewValidationResult()
	name = strings.TrimSpace(name)

	if name == "" {
		result.AddError("name", "Name is required")
		return result
	}

	if utf8.RuneCountInString(name) > MaxNameLength {
		result.AddError("name", "Name must not exceed 128 characters")
	}

	return result
}

// ValidateDescription validates a rule description
func ValidateDescription(description string) *ValidationResult {
	result := NewValidationResult()

	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		result.AddError("description", "Description must not exceed 500 characters")
	}

	return result
}

// ValidatePolicyType validates a policy type tag
func ValidatePolicyType(policyType string) *ValidationResult {
	result := NewValidationResult()
	policyType = strings.TrimSpace(policyType)

	if policyType == "" {
		result.AddError("policyType", "Policy type is required")
		return result
	}

	if !policyTypePattern.MatchString(policyType) {
		result.AddError("policyType", "Policy type must contain only upper-case letters, digits, and underscores")
	}

	return result
}

// ValidateSourceSize validates the rule source size
func ValidateSourceSize(source string) *ValidationResult {
	result := NewValidationResult()

	if len(source) > MaxSourceSize {
		result.AddError("source", "Source must not exceed 256KB")
	}

	return result
}

// ValidateFields validates a field schema
func ValidateFields(fields schema.Schema) *ValidationResult {
	result := NewValidationResult()

	if err := fields.Validate(); err != nil {
		result.AddError("fields", err.Error())
	}

	return result
}

// ValidateParameters validates a parameter list
func ValidateParameters(params []rules.Parameter) *ValidationResult {
	result := NewValidationResult()

	if len(params) > MaxParameters {
		result.AddError("parameters", "A rule must not declare more than 64 parameters")
		return result
	}

	seen := make(map[string]bool)
	for _, p := range params {
		if !identifierPattern.MatchString(p.Key) {
			result.AddError("parameters", "Parameter key must be a valid identifier: "+p.Key)
			continue
		}

		if seen[p.Key] {
			result.AddError("parameters", "Duplicate parameter key: "+p.Key)
			continue
		}
		seen[p.Key] = true

		if !rules.IsParameterType(p.Type) {
			result.AddError("parameters", "Parameter "+p.Key+" has unsupported type "+string(p.Type))
		}
	}

	return result
}
