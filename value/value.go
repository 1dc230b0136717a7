// Package value implements the Value sum type shared by every step input,
// output, and expression result in the engine.
package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags the active member of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindBinary
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a structural sum type: null, bool, int64, float64, text,
// binary, an ordered list of Value, or a map from text keys to Value.
// Only one of the fields is meaningful, selected by Kind.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	bin    []byte
	list   []Value
	object map[string]Value
}

func Null() Value               { return Value{kind: KindNull} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func Text(s string) Value       { return Value{kind: KindText, s: s} }
func Binary(b []byte) Value     { return Value{kind: KindBinary, bin: append([]byte(nil), b...)} }
func List(items []Value) Value  { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value {
	return Value{kind: KindMap, object: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsText() (string, bool)     { return v.s, v.kind == KindText }
func (v Value) AsBinary() ([]byte, bool)   { return v.bin, v.kind == KindBinary }
func (v Value) AsList() ([]Value, bool)    { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) { return v.object, v.kind == KindMap }

// Index returns list element i, or (Null, false) if v is not a list or
// i is out of range.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Null(), false
	}
	return v.list[i], true
}

// Field returns the map value at key, or (Null, false) if v is not a
// map or the key is absent.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null(), false
	}
	item, ok := v.object[key]
	return item, ok
}

// Equal reports structural equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindText:
		return a.s == b.s
	case KindBinary:
		return string(a.bin) == string(b.bin)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.object) != len(b.object) {
			return false
		}
		for k, av := range a.object {
			bv, ok := b.object[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Hash returns a stable structural hash. The Step Executor uses it to fill
// an activation's IdempotencyKey.ContentHash from the step's inputs.
func (v Value) Hash() string {
	data, _ := json.Marshal(v.canonical())
	sum := fnv64a(data)
	return fmt.Sprintf("%016x", sum)
}

func fnv64a(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	hash := uint64(offset64)
	for _, b := range data {
		hash ^= uint64(b)
		hash *= prime64
	}
	return hash
}

// canonical returns a plain interface{} tree suitable for deterministic
// JSON marshaling (sorted map keys via Go's own encoding/json behavior).
func (v Value) canonical() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBinary:
		return map[string]string{"$binary": base64.StdEncoding.EncodeToString(v.bin)}
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.canonical()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.object))
		for k, item := range v.object {
			out[k] = item.canonical()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.canonical())
}

// UnmarshalJSON implements json.Unmarshaler, reconstructing a Value tree
// from arbitrary JSON (numbers without a fractional part become Int).
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a decoded JSON tree (map[string]interface{}, []interface{},
// string, float64/json.Number, bool, nil) into a Value.
func FromAny(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return List(items)
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			obj[k] = FromAny(item)
		}
		return Map(obj)
	default:
		return Null()
	}
}

// SortedKeys returns a Map's keys in lexicographic order, useful for
// deterministic iteration in logging and hashing call sites.
func (v Value) SortedKeys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.object))
	for k := range v.object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
