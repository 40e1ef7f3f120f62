package luart

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"github.com/zclconf/go-cty/cty"
)

const maxConvertDepth = 64

// toCty converts a Lua value into a cty value. Array-like tables become
// tuples and string-keyed tables become objects; functions, userdata and
// other runtime objects cannot be converted.
func toCty(lv lua.LValue) (cty.Value, error) {
	return toCtyDepth(lv, 0)
}

func toCtyDepth(lv lua.LValue, depth int) (cty.Value, error) {
	if depth > maxConvertDepth {
		return cty.NilVal, fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}

	switch v := lv.(type) {
	case *lua.LNilType:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case lua.LBool:
		return cty.BoolVal(bool(v)), nil
	case lua.LNumber:
		// cty panics on NaN.
		if math.IsNaN(float64(v)) {
			return cty.NilVal, fmt.Errorf("cannot convert NaN to a data value")
		}
		return cty.NumberFloatVal(float64(v)), nil
	case lua.LString:
		return cty.StringVal(string(v)), nil
	case *lua.LTable:
		return tableToCty(v, depth)
	default:
		return cty.NilVal, fmt.Errorf("cannot convert Lua %s to a data value", lv.Type())
	}
}

func tableToCty(t *lua.LTable, depth int) (cty.Value, error) {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if count == 0 {
		return cty.EmptyObjectVal, nil
	}

	if n == count {
		elems := make([]cty.Value, 0, n)
		for i := 1; i <= n; i++ {
			ev, err := toCtyDepth(t.RawGetInt(i), depth+1)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems = append(elems, ev)
		}
		return cty.TupleVal(elems), nil
	}

	attrs := make(map[string]cty.Value, count)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("table key %s is not a string", k.String())
			return
		}
		av, err := toCtyDepth(v, depth+1)
		if err != nil {
			convErr = fmt.Errorf("%s: %w", key, err)
			return
		}
		attrs[string(key)] = av
	})
	if convErr != nil {
		return cty.NilVal, convErr
	}
	return cty.ObjectVal(attrs), nil
}

// fromCty converts a cty value into a Lua value owned by L.
func fromCty(L *lua.LState, v cty.Value) (lua.LValue, error) {
	if v == cty.NilVal || v.IsNull() {
		return lua.LNil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("cannot pass an unknown value")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return lua.LString(v.AsString()), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return lua.LNumber(f), nil
	case ty == cty.Bool:
		return lua.LBool(v.True()), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		t := L.NewTable()
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			lv, err := fromCty(L, ev)
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case ty.IsMapType() || ty.IsObjectType():
		t := L.NewTable()
		keys := make([]string, 0, v.LengthInt())
		vals := make(map[string]cty.Value, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			keys = append(keys, k.AsString())
			vals[k.AsString()] = ev
		}
		sort.Strings(keys)
		for _, k := range keys {
			lv, err := fromCty(L, vals[k])
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
