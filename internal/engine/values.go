package engine

import (
	"fmt"
	"math"
	"reflect"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/shopspring/decimal"
)

var anySliceType = reflect.TypeOf([]any{})

// toCEL converts a fact or global value into an activation value.
func toCEL(v any) any {
	switch x := v.(type) {
	case nil:
		return types.NullValue
	case decimal.Decimal:
		return NewDecimal(x)
	case []string:
		cp := make([]string, len(x))
		copy(cp, x)
		return cp
	default:
		return v
	}
}

// fromCEL converts an evaluation result back into a Go value that
// schema.Coerce understands.
func fromCEL(val ref.Val) (any, error) {
	switch v := val.(type) {
	case *types.Err:
		return nil, v
	case Decimal:
		return v.d, nil
	case types.Null:
		return nil, nil
	case types.Int:
		return int64(v), nil
	case types.Uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", uint64(v))
		}
		return int64(v), nil
	case types.Double:
		return float64(v), nil
	case types.String:
		return string(v), nil
	case types.Bool:
		return bool(v), nil
	}
	if _, ok := val.(traits.Lister); ok {
		return val.ConvertToNative(anySliceType)
	}
	if types.IsUnknownOrError(val) {
		return nil, fmt.Errorf("expression produced %v", val)
	}
	return val.Value(), nil
}
