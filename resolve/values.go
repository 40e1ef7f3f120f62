package resolve

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ParseJSON converts a JSON document into a cty value, inferring its type.
func ParseJSON(data []byte) (cty.Value, error) {
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to infer type: %w", err)
	}
	val, err := ctyjson.Unmarshal(data, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to unmarshal JSON to cty value: %w", err)
	}
	return val, nil
}

// MarshalJSON renders a cty value as plain JSON, without type information.
func MarshalJSON(val cty.Value) ([]byte, error) {
	if val == cty.NilVal {
		return []byte("null"), nil
	}
	simple := ctyjson.SimpleJSONValue{Value: val}
	data, err := simple.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cty value to JSON: %w", err)
	}
	return data, nil
}
