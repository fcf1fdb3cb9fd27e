package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the JSON shapes a document may hold.
// Only Null, String, Int, Bool, Array and Object implement it.
type Value interface {
	sealed()
}

// Null is the JSON null. Documents never store it; deltas use it to
// mark deleted keys.
type Null struct{}

func (Null) sealed() {}

// String is a JSON string.
type String string

func (String) sealed() {}

// Int is a JSON integer. Always int64.
type Int int64

func (Int) sealed() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) sealed() {}

// Array is an ordered list of values.
type Array []Value

func (Array) sealed() {}

// Object maps keys to values. Iterate with Keys() for a stable order.
type Object map[string]Value

func (Object) sealed() {}

// Pair is a key/value pair used by Obj.
type Pair struct {
	Key   string
	Value Value
}

// P builds a Pair.
func P(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// Obj builds an Object from pairs.
// Example: Obj(P("x", Int(1)), P("name", String("a")))
func Obj(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Keys returns the object's keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison is UTF-8 byte order, which differs for
// characters outside the BMP.
func (obj Object) Keys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Str returns the string stored at key, or "" when absent or not a string.
func (obj Object) Str(key string) string {
	if s, ok := obj[key].(String); ok {
		return string(s)
	}
	return ""
}

// Int returns the integer stored at key, or 0.
func (obj Object) Int(key string) int64 {
	if n, ok := obj[key].(Int); ok {
		return int64(n)
	}
	return 0
}

// Bool returns the boolean stored at key, or false.
func (obj Object) Bool(key string) bool {
	if b, ok := obj[key].(Bool); ok {
		return bool(b)
	}
	return false
}

// Obj returns the object stored at key, or nil.
func (obj Object) Obj(key string) Object {
	if o, ok := obj[key].(Object); ok {
		return o
	}
	return nil
}

// Arr returns the array stored at key, or nil.
func (obj Object) Arr(key string) Array {
	if a, ok := obj[key].(Array); ok {
		return a
	}
	return nil
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}

// MarshalJSON encodes the object through Encode so that records written by
// encoding/json callers match the canonical form.
func (obj Object) MarshalJSON() ([]byte, error) {
	return Encode(obj)
}

// MarshalJSON implements json.Marshaler.
func (arr Array) MarshalJSON() ([]byte, error) {
	return Encode(arr)
}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler. Null members are kept as Null
// so deltas survive a round trip; floats are rejected.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := decode(data, true)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (arr *Array) UnmarshalJSON(data []byte) error {
	v, err := decode(data, true)
	if err != nil {
		return err
	}
	a, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*arr = a
	return nil
}

// Decode parses JSON into a Value. Null and floats are rejected: this is the
// entry point for client payloads and command arguments.
func Decode(data []byte) (Value, error) {
	return decode(data, false)
}

// DecodeObject parses a JSON object that may carry nulls (records, deltas).
func DecodeObject(data []byte) (Object, error) {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func decode(data []byte, allowNull bool) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return fromJSON(raw, allowNull)
}

func fromJSON(raw any, allowNull bool) (Value, error) {
	switch v := raw.(type) {
	case nil:
		if !allowNull {
			return nil, fmt.Errorf("null is not a document value")
		}
		return Null{}, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case json.Number:
		s := v.String()
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed: %s", s)
		}
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(v))
		for i, elem := range v {
			ev, err := fromJSON(elem, allowNull)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(v))
		for k, elem := range v {
			ev, err := fromJSON(elem, allowNull)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported JSON type %T", raw)
	}
}
