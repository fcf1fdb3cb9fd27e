package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("s")
	var _ Value = Int(1)
	var _ Value = Bool(true)
	var _ Value = Array{Int(1)}
	var _ Value = Object{"k": String("v")}
}

func TestObject_KeysRFC8785Order(t *testing.T) {
	obj := Object{"a": Int(1), "A": Int(2), "aa": Int(3), "Aa": Int(4), "AA": Int(5)}
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aa"}, obj.Keys())
}

func TestObject_KeysSurrogatePairs(t *testing.T) {
	// U+10000 encodes as surrogates 0xD800 0xDC00, which sort before U+E000
	// in UTF-16 but after it in UTF-8.
	obj := Object{"\U00010000": Int(1), "\uE000": Int(2)}
	assert.Equal(t, []string{"\U00010000", "\uE000"}, obj.Keys())
}

func TestDecode_RejectsFloats(t *testing.T) {
	for _, in := range []string{`1.5`, `{"x":1e3}`, `[2.0]`} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestDecode_RejectsNull(t *testing.T) {
	_, err := Decode([]byte(`{"x":null}`))
	assert.Error(t, err)
}

func TestDecodeObject_KeepsNull(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"x":null,"y":{"z":2}}`))
	require.NoError(t, err)
	assert.Equal(t, Null{}, obj["x"])
	assert.Equal(t, Int(2), obj.Obj("y")["z"])
}

func TestDecode_Nested(t *testing.T) {
	v, err := Decode([]byte(`{"name":"a","tags":["x","y"],"n":-7,"ok":true}`))
	require.NoError(t, err)
	obj := v.(Object)
	assert.Equal(t, "a", obj.Str("name"))
	assert.Equal(t, int64(-7), obj.Int("n"))
	assert.True(t, obj.Bool("ok"))
	assert.Equal(t, Array{String("x"), String("y")}, obj.Arr("tags"))
}

func TestObject_JSONRoundTrip(t *testing.T) {
	obj := Obj(P("b", Int(2)), P("a", Array{Bool(false), String("s")}))
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[false,"s"],"b":2}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{"x": float64(3), "list": []any{1, "a", true}})
	require.NoError(t, err)
	assert.Equal(t, Object{"x": Int(3), "list": Array{Int(1), String("a"), Bool(true)}}, v)

	_, err = FromGo(map[string]any{"x": 1.25})
	assert.Error(t, err)

	_, err = FromGo(nil)
	assert.Error(t, err)
}

func TestToGo(t *testing.T) {
	got := ToGo(Object{"n": Int(4), "a": Array{String("s")}})
	assert.Equal(t, map[string]any{"n": int64(4), "a": []any{"s"}}, got)
}
