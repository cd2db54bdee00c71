package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// Sentinel errors returned by ValidateDefinition.
var (
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrInvalidOperator   = errors.New("invalid operator")
	ErrInvalidCondition  = errors.New("invalid condition")
	ErrInvalidAction     = errors.New("invalid action")
	ErrInvalidValue      = errors.New("invalid value")
	ErrInvalidParameter  = errors.New("invalid parameter")
)

// operatorsByType lists the operators a condition may apply to each field type.
var operatorsByType = map[schema.FieldType][]Operator{
	schema.TypeDecimal:    {OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte},
	schema.TypeInteger:    {OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte},
	schema.TypeString:     {OpEq, OpNeq},
	schema.TypeEnum:       {OpEq, OpNeq},
	schema.TypeBoolean:    {OpEq},
	schema.TypeListString: {},
}

// parameterTypes are the types a global parameter may be declared with.
var parameterTypes = map[schema.FieldType]struct{}{
	schema.TypeDecimal: {},
	schema.TypeInteger: {},
	schema.TypeString:  {},
	schema.TypeBoolean: {},
}

// OperatorsFor returns the operators allowed on a field of type t.
func OperatorsFor(t schema.FieldType) []Operator {
	ops := operatorsByType[t]
	out := make([]Operator, len(ops))
	copy(out, ops)
	return out
}

// ParseOperator accepts either a symbol ("<=") or a word alias ("lte").
func ParseOperator(s string) (Operator, error) {
	s = strings.TrimSpace(s)
	if op, ok := operatorAliases[strings.ToLower(s)]; ok {
		return op, nil
	}
	switch op := Operator(s); op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperator, s)
}

// IsParameterType reports whether t can be used for a global parameter.
func IsParameterType(t schema.FieldType) bool {
	_, ok := parameterTypes[t]
	return ok
}

// ValidateDefinition performs strict validation of a Definition.
// It is a pure function: it never mutates d and has no side effects.
func ValidateDefinition(d Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidDefinition)
	}
	if !isIdentifier(d.FactType) {
		return fmt.Errorf("%w: fact type %q is not a valid identifier", ErrInvalidDefinition, d.FactType)
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("%w: field schema must not be empty", ErrInvalidDefinition)
	}
	if err := d.Fields.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(d.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidDefinition)
	}

	params := make(map[string]struct{}, len(d.Parameters))
	for i, p := range d.Parameters {
		if err := validateParameter(i, p); err != nil {
			return err
		}
		if _, clash := d.Fields.Lookup(p.Key); clash {
			return fmt.Errorf("%w: parameter[%d] %q shadows a field", ErrInvalidParameter, i, p.Key)
		}
		if _, dup := params[p.Key]; dup {
			return fmt.Errorf("%w: parameter %q declared twice", ErrInvalidParameter, p.Key)
		}
		params[p.Key] = struct{}{}
	}

	for i, c := range d.Conditions {
		if err := validateCondition(i, c, d.Fields); err != nil {
			return err
		}
	}
	for i, a := range d.Actions {
		if err := validateAction(i, a, d.Fields); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(i int, c Condition, fields schema.Schema) error {
	f, ok := fields.Lookup(c.Field)
	if !ok {
		return fmt.Errorf("%w: condition[%d] field %q is not in the schema", ErrInvalidCondition, i, c.Field)
	}
	if !f.IsInput() {
		return fmt.Errorf("%w: condition[%d] reads RESULT field %q", ErrInvalidCondition, i, c.Field)
	}

	allowed := false
	for _, op := range operatorsByType[f.Type] {
		if op == c.Operator {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: condition[%d] operator %q is not supported for %s field %q", ErrInvalidOperator, i, c.Operator, f.Type, c.Field)
	}

	return validateValue(fmt.Sprintf("condition[%d]", i), f, c.Value, c.ValueType)
}

func validateAction(i int, a Action, fields schema.Schema) error {
	f, ok := fields.Lookup(a.Field)
	if !ok {
		return fmt.Errorf("%w: action[%d] field %q is not in the schema", ErrInvalidAction, i, a.Field)
	}
	if !f.IsResult() {
		return fmt.Errorf("%w: action[%d] writes INPUT field %q", ErrInvalidAction, i, a.Field)
	}
	return validateValue(fmt.Sprintf("action[%d]", i), f, a.Value, a.ValueType)
}

func validateParameter(i int, p Parameter) error {
	if !isIdentifier(p.Key) {
		return fmt.Errorf("%w: parameter[%d] key %q is not a valid identifier", ErrInvalidParameter, i, p.Key)
	}
	if !IsParameterType(p.Type) {
		return fmt.Errorf("%w: parameter[%d] type %q is not supported", ErrInvalidParameter, i, p.Type)
	}
	if _, err := schema.Coerce(p.Type, p.Value); err != nil {
		return fmt.Errorf("%w: parameter[%d] %v", ErrInvalidParameter, i, err)
	}
	return nil
}

// validateValue checks literal values against the type they are emitted as,
// so the generator never writes a malformed literal.
func validateValue(where string, f schema.FieldDefinition, v *string, vt ValueType) error {
	if v == nil {
		return nil
	}
	if vt == ValueExpression {
		if strings.TrimSpace(*v) == "" {
			return fmt.Errorf("%w: %s expression must not be empty", ErrInvalidValue, where)
		}
		return nil
	}

	// Check the literal as it will be emitted.
	f = effectiveField(f, vt)
	raw := strings.TrimSpace(*v)
	switch f.Type {
	case schema.TypeDecimal:
		if _, err := decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("%w: %s %q is not a decimal", ErrInvalidValue, where, *v)
		}
	case schema.TypeInteger:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("%w: %s %q is not an integer", ErrInvalidValue, where, *v)
		}
	case schema.TypeBoolean:
		if _, err := schema.Coerce(schema.TypeBoolean, raw); err != nil {
			return fmt.Errorf("%w: %s %q is not a boolean", ErrInvalidValue, where, *v)
		}
	case schema.TypeEnum:
		if len(f.EnumValues) > 0 && !f.HasEnumValue(raw) {
			return fmt.Errorf("%w: %s %q is not one of %v", ErrInvalidValue, where, *v, f.EnumValues)
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
