package engine

import (
	"errors"
	"fmt"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// ErrUnknownField is returned when a fact is asked for a field its type does
// not declare.
var ErrUnknownField = errors.New("unknown field")

// FactType is the declared shape of the fact a knowledge base matches.
type FactType struct {
	Name   string
	Fields schema.Schema
	index  map[string]int
}

func newFactType(name string, fields schema.Schema) *FactType {
	ordered := fields.Ordered()
	idx := make(map[string]int, len(ordered))
	for i, f := range ordered {
		idx[f.Name] = i
	}
	return &FactType{Name: name, Fields: ordered, index: idx}
}

// Field looks up a declared field.
func (t *FactType) Field(name string) (schema.FieldDefinition, bool) {
	i, ok := t.index[name]
	if !ok {
		return schema.FieldDefinition{}, false
	}
	return t.Fields[i], true
}

// New returns a fresh fact: INPUT fields unset (null), RESULT fields at their
// type's zero value.
func (t *FactType) New() *Fact {
	f := &Fact{typ: t, values: make(map[string]any, len(t.Fields))}
	for _, fd := range t.Fields {
		if fd.IsResult() {
			f.values[fd.Name] = schema.Zero(fd.Type)
		} else {
			f.values[fd.Name] = nil
		}
	}
	return f
}

// Fact is a schema-typed record holding input and result values. A fact is
// owned by exactly one session and is not safe for concurrent use.
type Fact struct {
	typ    *FactType
	values map[string]any
}

// Type returns the fact's declared type.
func (f *Fact) Type() *FactType { return f.typ }

// Get returns a field value. Unset fields are nil.
func (f *Fact) Get(name string) (any, error) {
	v, ok := f.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, f.typ.Name, name)
	}
	return v, nil
}

// Set stores v after coercing it to the field's declared type. A nil v
// clears the field.
func (f *Fact) Set(name string, v any) error {
	fd, ok := f.typ.Field(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, f.typ.Name, name)
	}
	if v == nil {
		f.values[name] = nil
		return nil
	}
	cv, err := schema.Coerce(fd.Type, v)
	if err != nil {
		var ce *schema.CoercionError
		if errors.As(err, &ce) {
			ce.Field = name
		}
		return err
	}
	f.values[name] = cv
	return nil
}

// Values returns a shallow copy of all field values.
func (f *Fact) Values() map[string]any {
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}
