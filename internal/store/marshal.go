package store

import (
	"fmt"

	"github.com/roach88/livedoc/internal/value"
)

// marshalObject converts a record or delta to canonical JSON TEXT for
// storage. Deltas carry nulls for deleted members, so the null-tolerant
// encoder is used.
func marshalObject(obj value.Object) (string, error) {
	if obj == nil {
		obj = value.Object{}
	}
	data, err := value.Encode(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses TEXT written by marshalObject. Integers are
// decoded exactly, without a float64 detour.
func unmarshalObject(data string) (value.Object, error) {
	if data == "" || data == "{}" {
		return value.Object{}, nil
	}
	obj, err := value.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// sameForward reports whether two forward deltas are byte-identical in
// canonical form.
func sameForward(a, b value.Object) bool {
	x, err := marshalObject(a)
	if err != nil {
		return false
	}
	y, err := marshalObject(b)
	if err != nil {
		return false
	}
	return x == y
}
