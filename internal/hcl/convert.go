package hcl

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// ctyToGo converts an evaluated cty value into its plain Go equivalent:
// strings, bools, int64 or float64 numbers, []any and map[string]any.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known at load time")
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if n, acc := bf.Int64(); acc == 0 {
			return n, nil
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			goElem, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, goElem)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			goElem, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out[key.AsString()] = goElem
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported payload value type %s", ty.FriendlyName())
	}
}
