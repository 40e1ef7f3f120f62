package plugin

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/msgpack"
)

func encodeValue(v cty.Value) ([]byte, error) {
	if v == cty.NilVal {
		v = cty.NullVal(cty.DynamicPseudoType)
	}
	data, err := msgpack.Marshal(v, cty.DynamicPseudoType)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

// decodeValue reads a payload from the other side of the connection. cty
// panics on some malformed numbers such as NaN, so those surface as errors.
func decodeValue(data []byte) (v cty.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = cty.NilVal, fmt.Errorf("failed to decode value: %v", r)
		}
	}()

	v, err = msgpack.Unmarshal(data, cty.DynamicPseudoType)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

// encodeCall packs an attribute name and its arguments into one payload.
func encodeCall(name string, args []cty.Value) ([]byte, error) {
	if args == nil {
		args = []cty.Value{}
	}
	return encodeValue(cty.ObjectVal(map[string]cty.Value{
		"name": cty.StringVal(name),
		"args": cty.TupleVal(args),
	}))
}

func decodeCall(data []byte) (string, []cty.Value, error) {
	v, err := decodeValue(data)
	if err != nil {
		return "", nil, err
	}
	ty := v.Type()
	if v.IsNull() || !ty.IsObjectType() || !ty.HasAttribute("name") || !ty.HasAttribute("args") {
		return "", nil, fmt.Errorf("malformed call payload of type %s", ty.FriendlyName())
	}
	name := v.GetAttr("name")
	if name.Type() != cty.String || name.IsNull() {
		return "", nil, fmt.Errorf("call payload name is not a string")
	}
	argsVal := v.GetAttr("args")
	if !argsVal.Type().IsTupleType() {
		return "", nil, fmt.Errorf("call payload args is not a tuple")
	}
	args := make([]cty.Value, 0, argsVal.LengthInt())
	for it := argsVal.ElementIterator(); it.Next(); {
		_, a := it.Element()
		args = append(args, a)
	}
	return name.AsString(), args, nil
}
