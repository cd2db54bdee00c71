package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrCoercion is matched by every CoercionError.
var ErrCoercion = errors.New("type coercion failed")

// CoercionError reports a value that cannot be converted to a field type.
type CoercionError struct {
	Field string
	Type  FieldType
	Value any
	Err   error
}

func (e *CoercionError) Error() string {
	msg := fmt.Sprintf("cannot coerce %v (%T) to %s", e.Value, e.Value, e.Type)
	if e.Field != "" {
		msg = fmt.Sprintf("field %q: %s", e.Field, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CoercionError) Unwrap() error { return e.Err }

func (e *CoercionError) Is(target error) bool { return target == ErrCoercion }

// TypeSpec holds everything the system knows about one field type: how a raw
// definition value is written into rule source, how request input is coerced
// into the runtime value, and the value a RESULT field starts with.
type TypeSpec struct {
	Type   FieldType
	Format func(f FieldDefinition, raw string) string
	Coerce func(v any) (any, error)
	Zero   func() any
}

var registry = map[FieldType]TypeSpec{}

func register(spec TypeSpec) { registry[spec.Type] = spec }

func init() {
	register(TypeSpec{Type: TypeString, Format: formatString, Coerce: coerceString, Zero: func() any { return "" }})
	register(TypeSpec{Type: TypeEnum, Format: formatEnum, Coerce: coerceString, Zero: func() any { return "" }})
	register(TypeSpec{Type: TypeInteger, Format: formatVerbatim, Coerce: coerceInteger, Zero: func() any { return int64(0) }})
	register(TypeSpec{Type: TypeDecimal, Format: formatDecimal, Coerce: coerceDecimal, Zero: func() any { return decimal.Zero }})
	register(TypeSpec{Type: TypeBoolean, Format: formatBoolean, Coerce: coerceBoolean, Zero: func() any { return false }})
	register(TypeSpec{Type: TypeListString, Format: formatString, Coerce: coerceList, Zero: func() any { return []string{} }})
}

// Lookup returns the registered spec for t.
func Lookup(t FieldType) (TypeSpec, bool) {
	spec, ok := registry[t]
	return spec, ok
}

// Types lists every registered type in a stable order.
func Types() []FieldType {
	return []FieldType{TypeString, TypeInteger, TypeDecimal, TypeBoolean, TypeEnum, TypeListString}
}

// FormatLiteral renders a raw definition value as a rule-source literal for
// field f. Unknown types fall back to an escaped string literal.
func FormatLiteral(f FieldDefinition, raw string) string {
	if spec, ok := registry[f.Type]; ok {
		return spec.Format(f, raw)
	}
	return formatString(f, raw)
}

// Coerce converts a request value into the runtime value for t.
func Coerce(t FieldType, v any) (any, error) {
	spec, ok := registry[t]
	if !ok {
		return nil, &CoercionError{Type: t, Value: v, Err: ErrUnknownType}
	}
	out, err := spec.Coerce(v)
	if err != nil {
		var ce *CoercionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CoercionError{Type: t, Value: v, Err: err}
	}
	return out, nil
}

// Zero returns the initial value of a RESULT field of type t.
func Zero(t FieldType) any {
	if spec, ok := registry[t]; ok {
		return spec.Zero()
	}
	return nil
}

// QuoteString produces a double-quoted literal with backslashes and quotes escaped.
func QuoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// FormatDecimal renders d with every fractional digit it carries, so
// "150000000.00" stays "150000000.00".
func FormatDecimal(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

func formatString(_ FieldDefinition, raw string) string { return QuoteString(raw) }

func formatVerbatim(_ FieldDefinition, raw string) string { return strings.TrimSpace(raw) }

// The decimal string is passed through untouched so the scale survives.
func formatDecimal(_ FieldDefinition, raw string) string {
	return "decimal(" + QuoteString(strings.TrimSpace(raw)) + ")"
}

func formatBoolean(_ FieldDefinition, raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func formatEnum(f FieldDefinition, raw string) string {
	if len(f.EnumValues) == 0 {
		return QuoteString(raw)
	}
	return f.EnumTypeName() + "." + strings.TrimSpace(raw)
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case decimal.Decimal:
		return FormatDecimal(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case nil:
		return nil, errors.New("nil value")
	default:
		return fmt.Sprint(x), nil
	}
}

func coerceDecimal(v any) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(x))
	case json.Number:
		return decimal.NewFromString(x.String())
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int32:
		return decimal.NewFromInt32(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.New("not a finite number")
		}
		return decimal.NewFromFloat(x), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func coerceInteger(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return integralFloat(float64(x))
	case float64:
		return integralFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return integralFloat(f)
	case decimal.Decimal:
		if !x.IsInteger() {
			return nil, errors.New("value has a fractional part")
		}
		return x.IntPart(), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func integralFloat(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, errors.New("value has a fractional part")
	}
	// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, errors.New("value out of range")
	}
	return int64(f), nil
}

func coerceBoolean(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, errors.New("expected true or false")
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func coerceList(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return []string{}, nil
		}
		parts := strings.Split(x, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
