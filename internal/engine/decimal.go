package engine

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/overloads"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/shopspring/decimal"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// DecimalTypeName is the CEL type name of exact decimals.
const DecimalTypeName = "policy.math.Decimal"

// DecimalType is the CEL type of exact decimals. The traits let the standard
// comparison and arithmetic operators dispatch to Decimal values at runtime.
var DecimalType = cel.ObjectType(DecimalTypeName,
	traits.AdderType,
	traits.ComparerType,
	traits.DividerType,
	traits.MultiplierType,
	traits.NegatorType,
	traits.SubtractorType,
)

var decimalReflectType = reflect.TypeOf(decimal.Decimal{})

// Decimal is the CEL value wrapping a decimal.Decimal. It never goes through a
// float, so scale and precision survive evaluation.
type Decimal struct {
	d decimal.Decimal
}

// NewDecimal wraps d as a CEL value.
func NewDecimal(d decimal.Decimal) Decimal { return Decimal{d: d} }

// ConvertToNative implements ref.Val.
func (v Decimal) ConvertToNative(typeDesc reflect.Type) (any, error) {
	switch typeDesc {
	case decimalReflectType:
		return v.d, nil
	case reflect.TypeOf(""):
		return schema.FormatDecimal(v.d), nil
	case reflect.TypeOf(float64(0)):
		f, _ := v.d.Float64()
		return f, nil
	}
	if typeDesc.Kind() == reflect.Interface {
		return v.d, nil
	}
	return nil, fmt.Errorf("type conversion error from '%s' to '%v'", DecimalTypeName, typeDesc)
}

// ConvertToType implements ref.Val.
func (v Decimal) ConvertToType(typeVal ref.Type) ref.Val {
	switch typeVal.TypeName() {
	case DecimalTypeName:
		return v
	case types.StringType.TypeName():
		return types.String(schema.FormatDecimal(v.d))
	case types.DoubleType.TypeName():
		f, _ := v.d.Float64()
		return types.Double(f)
	case types.TypeType.TypeName():
		return DecimalType
	}
	return types.NewErr("type conversion error from '%s' to '%s'", DecimalTypeName, typeVal.TypeName())
}

// Equal implements ref.Val. Values of unrelated types are never equal.
func (v Decimal) Equal(other ref.Val) ref.Val {
	o, ok := asDecimal(other)
	if !ok {
		return types.False
	}
	return types.Bool(v.d.Equal(o))
}

// Type implements ref.Val.
func (v Decimal) Type() ref.Type { return DecimalType }

// Value implements ref.Val.
func (v Decimal) Value() any { return v.d }

// Compare implements traits.Comparer.
func (v Decimal) Compare(other ref.Val) ref.Val {
	o, ok := asDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}
	return types.Int(v.d.Cmp(o))
}

// Add implements traits.Adder.
func (v Decimal) Add(other ref.Val) ref.Val {
	o, ok := asDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}
	return Decimal{d: v.d.Add(o)}
}

// Subtract implements traits.Subtractor.
func (v Decimal) Subtract(other ref.Val) ref.Val {
	o, ok := asDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}
	return Decimal{d: v.d.Sub(o)}
}

// Multiply implements traits.Multiplier.
func (v Decimal) Multiply(other ref.Val) ref.Val {
	o, ok := asDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}
	return Decimal{d: v.d.Mul(o)}
}

// Divide implements traits.Divider.
func (v Decimal) Divide(other ref.Val) ref.Val {
	o, ok := asDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}
	if o.IsZero() {
		return types.NewErr("division by zero")
	}
	return Decimal{d: v.d.Div(o)}
}

// Negate implements traits.Negater.
func (v Decimal) Negate() ref.Val { return Decimal{d: v.d.Neg()} }

// Get and IsSet satisfy the field traits every CEL object type carries.
func (v Decimal) Get(index ref.Val) ref.Val {
	return types.NewErr("no such key: %v", index)
}

func (v Decimal) IsSet(field ref.Val) ref.Val {
	return types.NewErr("no such field: %v", field)
}

func asDecimal(val ref.Val) (decimal.Decimal, bool) {
	switch x := val.(type) {
	case Decimal:
		return x.d, true
	case types.Int:
		return decimal.NewFromInt(int64(x)), true
	case types.Uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(x)), 0), true
	case types.Double:
		return decimal.NewFromFloat(float64(x)), true
	}
	return decimal.Decimal{}, false
}

// DecimalLib registers the decimal type, its constructor and conversions.
//
//	decimal("150000000.00")       // exact literal
//	decimal(25)                   // from int
//	amount.round(2)               // half away from zero
//	string(amount)                // exact text, scale preserved
func DecimalLib() cel.EnvOption {
	return cel.Lib(decimalLib{})
}

type decimalLib struct{}

func (decimalLib) LibraryName() string { return DecimalTypeName }

func (decimalLib) CompileOptions() []cel.EnvOption {
	opts := []cel.EnvOption{
		cel.Function("decimal",
			cel.Overload("string_to_decimal", []*cel.Type{cel.StringType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					d, err := decimal.NewFromString(string(arg.(types.String)))
					if err != nil {
						return types.NewErr("invalid decimal %q: %v", arg.Value(), err)
					}
					return Decimal{d: d}
				})),
			cel.Overload("int_to_decimal", []*cel.Type{cel.IntType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return Decimal{d: decimal.NewFromInt(int64(arg.(types.Int)))}
				})),
			cel.Overload("double_to_decimal", []*cel.Type{cel.DoubleType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return Decimal{d: decimal.NewFromFloat(float64(arg.(types.Double)))}
				})),
			cel.Overload("decimal_to_decimal", []*cel.Type{DecimalType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val { return arg })),
		),
		cel.Function("round",
			cel.MemberOverload("decimal_round_int", []*cel.Type{DecimalType, cel.IntType}, DecimalType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					return Decimal{d: lhs.(Decimal).d.Round(int32(rhs.(types.Int)))}
				})),
		),
		cel.Function(overloads.TypeConvertString,
			cel.Overload("decimal_to_string", []*cel.Type{DecimalType}, cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return types.String(schema.FormatDecimal(arg.(Decimal).d))
				})),
		),
		cel.Function(overloads.TypeConvertDouble,
			cel.Overload("decimal_to_double", []*cel.Type{DecimalType}, cel.DoubleType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					f, _ := arg.(Decimal).d.Float64()
					return types.Double(f)
				})),
		),
		// Operators are declared without bindings: the standard library's
		// trait-based implementations dispatch to the Decimal methods above.
		cel.Function(operators.Negate,
			cel.Overload("negate_decimal", []*cel.Type{DecimalType}, DecimalType)),
	}

	comparisons := map[string]string{
		operators.Less:          "less",
		operators.LessEquals:    "less_equals",
		operators.Greater:       "greater",
		operators.GreaterEquals: "greater_equals",
	}
	for _, op := range []string{operators.Less, operators.LessEquals, operators.Greater, operators.GreaterEquals} {
		id := comparisons[op]
		opts = append(opts, cel.Function(op,
			cel.Overload(id+"_decimal", []*cel.Type{DecimalType, DecimalType}, cel.BoolType),
			cel.Overload(id+"_decimal_int", []*cel.Type{DecimalType, cel.IntType}, cel.BoolType),
			cel.Overload(id+"_decimal_double", []*cel.Type{DecimalType, cel.DoubleType}, cel.BoolType),
		))
	}

	arithmetic := map[string]string{
		operators.Add:      "add",
		operators.Subtract: "subtract",
		operators.Multiply: "multiply",
		operators.Divide:   "divide",
	}
	for _, op := range []string{operators.Add, operators.Subtract, operators.Multiply, operators.Divide} {
		id := arithmetic[op]
		opts = append(opts, cel.Function(op,
			cel.Overload(id+"_decimal", []*cel.Type{DecimalType, DecimalType}, DecimalType),
			cel.Overload(id+"_decimal_int", []*cel.Type{DecimalType, cel.IntType}, DecimalType),
		))
	}
	return opts
}

func (decimalLib) ProgramOptions() []cel.ProgramOption { return nil }
