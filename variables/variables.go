// Package variables implements the typed variable envelope spoken by the
// process engine. Engine variables travel as {"value": ..., "type": ...}
// objects; handlers and the response loop work with native Go values. All
// conversion between the two lives here.
package variables

import (
	"encoding/json"
	"fmt"
	"math"
)

// Type identifies the engine-side value type of a variable.
type Type string

const (
	TypeString  Type = "String"
	TypeBoolean Type = "Boolean"
	TypeInteger Type = "Integer"
	TypeLong    Type = "Long"
	TypeDouble  Type = "Double"
	TypeJSON    Type = "Json"
	TypeNull    Type = "Null"
)

// Variable is a single typed engine value. Value holds the native Go
// representation: string for String and Json, bool for Boolean, int64 for
// Integer and Long, float64 for Double, nil for Null.
type Variable struct {
	Value any  `json:"value"`
	Type  Type `json:"type"`
}

// UnmarshalJSON decodes the envelope and normalizes Value to the canonical
// Go type for the declared engine type. Numeric values are parsed directly
// from the raw JSON so Long precision survives beyond 2^53.
func (v *Variable) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value json.RawMessage `json:"value"`
		Type  Type            `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Type = raw.Type
	if v.Type == "" {
		v.Type = TypeNull
	}
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		v.Value = nil
		return nil
	}

	switch raw.Type {
	case TypeString, TypeJSON:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fmt.Errorf("variable of type %s wants a string value: %w", raw.Type, err)
		}
		v.Value = s
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(raw.Value, &b); err != nil {
			return fmt.Errorf("variable of type Boolean wants a bool value: %w", err)
		}
		v.Value = b
	case TypeInteger, TypeLong:
		var n int64
		if err := json.Unmarshal(raw.Value, &n); err != nil {
			return fmt.Errorf("variable of type %s wants an integer value: %w", raw.Type, err)
		}
		v.Value = n
	case TypeDouble:
		var f float64
		if err := json.Unmarshal(raw.Value, &f); err != nil {
			return fmt.Errorf("variable of type Double wants a number value: %w", err)
		}
		v.Value = f
	case TypeNull:
		v.Value = nil
	default:
		// Unknown engine types (Date, Object, ...) pass through undecoded.
		var val any
		if err := json.Unmarshal(raw.Value, &val); err != nil {
			return fmt.Errorf("variable of type %s: %w", raw.Type, err)
		}
		v.Value = val
	}
	return nil
}

// EncodeValue wraps a native Go value in a typed envelope. Integers that fit
// in 32 bits become Integer, wider ones Long. Values with no scalar mapping
// are serialized to a JSON string and tagged Json.
func EncodeValue(val any) (Variable, error) {
	switch x := val.(type) {
	case nil:
		return Variable{Type: TypeNull}, nil
	case bool:
		return Variable{Value: x, Type: TypeBoolean}, nil
	case string:
		return Variable{Value: x, Type: TypeString}, nil
	case int:
		return encodeInt(int64(x)), nil
	case int8:
		return Variable{Value: int64(x), Type: TypeInteger}, nil
	case int16:
		return Variable{Value: int64(x), Type: TypeInteger}, nil
	case int32:
		return Variable{Value: int64(x), Type: TypeInteger}, nil
	case int64:
		return encodeInt(x), nil
	case uint8:
		return Variable{Value: int64(x), Type: TypeInteger}, nil
	case uint16:
		return Variable{Value: int64(x), Type: TypeInteger}, nil
	case uint32:
		return encodeInt(int64(x)), nil
	case uint:
		return encodeUint(uint64(x))
	case uint64:
		return encodeUint(x)
	case float32:
		return Variable{Value: float64(x), Type: TypeDouble}, nil
	case float64:
		return Variable{Value: x, Type: TypeDouble}, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return encodeInt(n), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Variable{}, fmt.Errorf("encode %q: %w", x.String(), err)
		}
		return Variable{Value: f, Type: TypeDouble}, nil
	case Variable:
		return x, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return Variable{}, fmt.Errorf("encode value of type %T: %w", val, err)
		}
		return Variable{Value: string(b), Type: TypeJSON}, nil
	}
}

func encodeInt(n int64) Variable {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return Variable{Value: n, Type: TypeInteger}
	}
	return Variable{Value: n, Type: TypeLong}
}

func encodeUint(n uint64) (Variable, error) {
	if n > math.MaxInt64 {
		return Variable{}, fmt.Errorf("encode %d: exceeds the Long range", n)
	}
	return encodeInt(int64(n)), nil
}

// Native unwraps the envelope. Json payloads are decoded into generic Go
// values; every other type returns the canonical Value as stored.
func (v Variable) Native() (any, error) {
	if v.Type != TypeJSON {
		return v.Value, nil
	}
	s, ok := v.Value.(string)
	if !ok {
		return nil, fmt.Errorf("variable of type Json holds %T, want string", v.Value)
	}
	var val any
	if err := json.Unmarshal([]byte(s), &val); err != nil {
		return nil, fmt.Errorf("decode Json variable: %w", err)
	}
	return val, nil
}

// Encode converts a map of native values into typed envelopes.
func Encode(values map[string]any) (map[string]Variable, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]Variable, len(values))
	for name, val := range values {
		v, err := EncodeValue(val)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Decode converts typed envelopes back into native values.
func Decode(vars map[string]Variable) (map[string]any, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		val, err := v.Native()
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}
