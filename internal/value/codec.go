package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"gopkg.in/yaml.v2"
)

// FromAny converts the generic output of a JSON or YAML decoder.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{kind: KindMap, m: m}, nil
	case map[any]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(k)
			}
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			m[key] = v
		}
		return Value{kind: KindMap, m: m}, nil
	case yaml.MapSlice:
		m := make(map[string]Value, len(t))
		for _, item := range t {
			v, err := FromAny(item.Value)
			if err != nil {
				return Value{}, err
			}
			m[fmt.Sprint(item.Key)] = v
		}
		return Value{kind: KindMap, m: m}, nil
	}
	return Value{}, fmt.Errorf("unsupported type %T", x)
}

// ToAny converts v into plain Go values (nil, bool, int64 or float64,
// string, []any, map[string]any).
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if i := int64(v.n); float64(i) == v.n {
			return i
		}
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Map keys are emitted sorted.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler with sorted map keys.
func (v Value) MarshalYAML() (any, error) {
	return v.toYAML(), nil
}

func (v Value) toYAML() any {
	switch v.kind {
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.toYAML()
		}
		return out
	case KindMap:
		out := make(yaml.MapSlice, 0, len(v.m))
		for _, k := range v.Keys() {
			out = append(out, yaml.MapItem{Key: k, Value: v.m[k].toYAML()})
		}
		return out
	}
	return v.ToAny()
}

// ParseYAML decodes a YAML (or JSON, which is valid YAML) document.
func ParseYAML(data []byte) (Value, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("failed to parse document: %w", err)
	}
	return FromAny(raw)
}

// EncodeYAML renders v as a YAML document.
func EncodeYAML(v Value) ([]byte, error) {
	return yaml.Marshal(v)
}

// FromStruct converts a json-tagged struct into a Value.
func FromStruct(s any) (Value, error) {
	if s == nil || (reflect.ValueOf(s).Kind() == reflect.Ptr && reflect.ValueOf(s).IsNil()) {
		return Null(), nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return Value{}, err
	}
	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return Value{}, err
	}
	return v, nil
}

// Decode fills out, a pointer to a json-tagged struct, from v.
func Decode(v Value, out any) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
