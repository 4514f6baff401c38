package bundoc

import "encoding/json"

// ToNative converts a Value into plain Go data (map[string]interface{},
// []interface{}, string, bool, float64/int64, nil) for handing to
// libraries that expect the standard encoding/json shape — CEL programs
// and gojsonschema documents in particular.
func (v Value) ToNative() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		if v.n.isInt {
			return v.n.i
		}
		return v.n.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.ToNative()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, v.obj.Len())
		for _, k := range v.obj.Keys() {
			val, _ := v.obj.Get(k)
			out[k] = val.ToNative()
		}
		return out
	default:
		return nil
	}
}

// FromNative builds a Value from plain Go data of the shapes produced by
// encoding/json.Unmarshal into interface{} (map[string]interface{},
// []interface{}, string, bool, float64, json.Number, nil) or by ToNative.
func FromNative(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		return Float(t)
	case float32:
		return Float(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		if f, err := t.Float64(); err == nil {
			return Float(f)
		}
		return Null()
	case []interface{}:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = FromNative(item)
		}
		return Value{kind: KindArray, arr: out}
	case map[string]interface{}:
		m := NewOrderedMap()
		for k, val := range t {
			m.Set(k, FromNative(val))
		}
		return Object(m)
	default:
		return Null()
	}
}
