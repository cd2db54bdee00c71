// Package schema declares the input and result fields of a policy fact.
//
// A Schema is an ordered list of FieldDefinitions. Each field carries a semantic
// type and a category (INPUT or RESULT); the category replaces any need for runtime
// inspection of the fact type when the executor decides which fields to populate
// from the request and which to read back.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FieldType is the semantic type of a fact field.
type FieldType string

const (
	TypeString     FieldType = "STRING"
	TypeInteger    FieldType = "INTEGER"
	TypeDecimal    FieldType = "DECIMAL"
	TypeBoolean    FieldType = "BOOLEAN"
	TypeEnum       FieldType = "ENUM"
	TypeListString FieldType = "LIST_STRING"
)

// Category tells whether a field is read from the request or written by rules.
type Category string

const (
	CategoryInput  Category = "INPUT"
	CategoryResult Category = "RESULT"
)

// Sentinel errors returned by Validate and ParseFieldType.
var (
	ErrUnknownType     = errors.New("unknown field type")
	ErrUnknownCategory = errors.New("unknown field category")
	ErrDuplicateField  = errors.New("duplicate field")
	ErrInvalidField    = errors.New("invalid field")
)

// typeAliases maps legacy tags onto the canonical type names.
var typeAliases = map[string]FieldType{
	"BIG_DECIMAL": TypeDecimal,
	"BIGDECIMAL":  TypeDecimal,
	"INT":         TypeInteger,
	"BOOL":        TypeBoolean,
	"LIST":        TypeListString,
}

// ParseFieldType normalizes a type tag. Unknown tags return ErrUnknownType.
func ParseFieldType(s string) (FieldType, error) {
	tag := strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := typeAliases[tag]; ok {
		return alias, nil
	}
	t := FieldType(tag)
	if _, ok := registry[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Valid reports whether t is a registered type.
func (t FieldType) Valid() bool {
	_, ok := registry[t]
	return ok
}

// FieldDefinition declares one field of a fact.
type FieldDefinition struct {
	Name       string    `json:"name" yaml:"name"`
	Type       FieldType `json:"type" yaml:"type"`
	Category   Category  `json:"category" yaml:"category"`
	EnumValues []string  `json:"enumValues,omitempty" yaml:"enumValues,omitempty"`
	Order      int       `json:"order" yaml:"order"`
}

// IsInput reports whether the field is populated from the request.
func (f FieldDefinition) IsInput() bool { return f.Category == CategoryInput }

// IsResult reports whether the field is written by rules and returned.
func (f FieldDefinition) IsResult() bool { return f.Category == CategoryResult }

// EnumTypeName is the qualifier used for the field's enum constants:
// "customerTier" becomes "CustomerTier".
func (f FieldDefinition) EnumTypeName() string {
	return EnumTypeName(f.Name)
}

// EnumTypeName capitalizes the first letter of a field name.
func EnumTypeName(field string) string {
	if field == "" {
		return ""
	}
	return strings.ToUpper(field[:1]) + field[1:]
}

// HasEnumValue reports whether v is one of the declared enum values.
func (f FieldDefinition) HasEnumValue(v string) bool {
	for _, ev := range f.EnumValues {
		if ev == v {
			return true
		}
	}
	return false
}

// ParseEnumValues splits the comma-separated storage form of enum values.
func ParseEnumValues(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Schema is the ordered field list of a fact type.
type Schema []FieldDefinition

// Validate checks field names, types and categories.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for i, f := range s {
		if f.Name == "" {
			return fmt.Errorf("%w: field[%d] name must not be empty", ErrInvalidField, i)
		}
		if !isIdentifier(f.Name) {
			return fmt.Errorf("%w: field %q is not a valid identifier", ErrInvalidField, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = struct{}{}

		if !f.Type.Valid() {
			return fmt.Errorf("%w: field %q has type %q", ErrUnknownType, f.Name, f.Type)
		}
		if f.Category != CategoryInput && f.Category != CategoryResult {
			return fmt.Errorf("%w: field %q has category %q", ErrUnknownCategory, f.Name, f.Category)
		}
		for _, v := range f.EnumValues {
			if !isIdentifier(v) {
				return fmt.Errorf("%w: field %q enum value %q is not a valid identifier", ErrInvalidField, f.Name, v)
			}
		}
	}
	return nil
}

// Lookup finds a field by name.
func (s Schema) Lookup(name string) (FieldDefinition, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Ordered returns a copy sorted by display order, then name.
func (s Schema) Ordered() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Inputs returns the INPUT fields in display order.
func (s Schema) Inputs() Schema { return s.filter(CategoryInput) }

// Results returns the RESULT fields in display order.
func (s Schema) Results() Schema { return s.filter(CategoryResult) }

func (s Schema) filter(c Category) Schema {
	var out Schema
	for _, f := range s.Ordered() {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
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
