package schema

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLiteral(t *testing.T) {
	tier := FieldDefinition{Name: "customerTier", Type: TypeEnum, EnumValues: []string{"SILVER", "GOLD"}}

	tests := []struct {
		name  string
		field FieldDefinition
		raw   string
		want  string
	}{
		{"decimal keeps scale", FieldDefinition{Name: "amount", Type: TypeDecimal}, "150000000.00", `decimal("150000000.00")`},
		{"enum qualified", tier, "SILVER", "CustomerTier.SILVER"},
		{"enum without values is a literal", FieldDefinition{Name: "region", Type: TypeEnum}, "IRAN", `"IRAN"`},
		{"string escaped", FieldDefinition{Name: "note", Type: TypeString}, `say "hi" \o/`, `"say \"hi\" \\o/"`},
		{"boolean lowercased", FieldDefinition{Name: "ok", Type: TypeBoolean}, "TRUE", "true"},
		{"integer verbatim", FieldDefinition{Name: "age", Type: TypeInteger}, "21", "21"},
		{"list element quoted", FieldDefinition{Name: "flags", Type: TypeListString}, "HIGH_AMOUNT", `"HIGH_AMOUNT"`},
		{"unknown type falls back to string", FieldDefinition{Name: "x", Type: "MONEY"}, "1", `"1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLiteral(tt.field, tt.raw))
		})
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		typ  FieldType
		in   any
		want any
	}{
		{"decimal from string", TypeDecimal, "3000000", decimal.RequireFromString("3000000")},
		{"decimal from json number", TypeDecimal, json.Number("150000000.00"), decimal.RequireFromString("150000000.00")},
		{"decimal from int", TypeDecimal, 42, decimal.NewFromInt(42)},
		{"integer from float", TypeInteger, float64(18), int64(18)},
		{"integer from string", TypeInteger, " 15 ", int64(15)},
		{"integer from json number", TypeInteger, json.Number("7"), int64(7)},
		{"boolean native", TypeBoolean, true, true},
		{"boolean from string", TypeBoolean, "False", false},
		{"string passthrough", TypeString, "IRAN", "IRAN"},
		{"enum from number", TypeEnum, 3, "3"},
		{"list passthrough", TypeListString, []any{"a", "b"}, []string{"a", "b"}},
		{"list from csv", TypeListString, "IRAN, NORTH_KOREA,SYRIA", []string{"IRAN", "NORTH_KOREA", "SYRIA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.typ, tt.in)
			require.NoError(t, err)
			if d, ok := tt.want.(decimal.Decimal); ok {
				assert.True(t, d.Equal(got.(decimal.Decimal)), "got %v", got)
				assert.Equal(t, d.String(), got.(decimal.Decimal).String())
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceDecimalIsExact(t *testing.T) {
	got, err := Coerce(TypeDecimal, "0.1000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0.1000000000000000000000001", got.(decimal.Decimal).String())
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"150000000.00", "150000000.00"},
		{"0.10", "0.10"},
		{"-12.500", "-12.500"},
		{"2000000", "2000000"},
		{"0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDecimal(decimal.RequireFromString(tt.in)))
		})
	}

	got, err := Coerce(TypeString, decimal.RequireFromString("7.50"))
	require.NoError(t, err)
	assert.Equal(t, "7.50", got)
}

func TestCoerceFailures(t *testing.T) {
	tests := []struct {
		name string
		typ  FieldType
		in   any
	}{
		{"decimal garbage", TypeDecimal, "12abc"},
		{"decimal from bool", TypeDecimal, true},
		{"integer fractional", TypeInteger, 1.5},
		{"integer at 2^63", TypeInteger, float64(math.MaxInt64)},
		{"integer garbage", TypeInteger, "fifteen"},
		{"boolean garbage", TypeBoolean, "yes"},
		{"list from number", TypeListString, 12},
		{"unknown type", FieldType("MONEY"), "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coerce(tt.typ, tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCoercion))
			var ce *CoercionError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.typ, ce.Type)
		})
	}
}

func TestZero(t *testing.T) {
	assert.Equal(t, int64(0), Zero(TypeInteger))
	assert.Equal(t, false, Zero(TypeBoolean))
	assert.Equal(t, "", Zero(TypeString))
	assert.True(t, Zero(TypeDecimal).(decimal.Decimal).IsZero())

	a := Zero(TypeListString).([]string)
	a = append(a, "x")
	assert.Empty(t, Zero(TypeListString), "zero lists must not share backing storage")
	assert.Len(t, a, 1)
}
