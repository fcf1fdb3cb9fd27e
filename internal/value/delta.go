package value

// Deltas are RFC 7386 JSON merge patches: an object whose members replace
// the target's members, recurse into nested objects, or delete the member
// when the patch value is Null. Arrays are replaced wholesale.
//
// Diff(a, b) produces the forward patch taking a to b; Diff(b, a) is the
// matching reverse patch. Merge(a, Diff(a, b)) == b for any document
// objects a and b (objects that carry no Null values themselves).

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return a == nil && b == nil
	}
}

// Clone returns a deep copy. Scalars are immutable and returned as is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Array:
		if val == nil {
			return Array(nil)
		}
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		return v
	}
}

// Clone returns a deep copy of the object.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = Clone(v)
	}
	return out
}

// Diff returns the merge patch that turns before into after.
// An empty (non-nil) object means nothing changed.
func Diff(before, after Object) Object {
	patch := Object{}
	for k, bv := range before {
		av, present := after[k]
		if !present {
			patch[k] = Null{}
			continue
		}
		if d, changed := diffValue(bv, av); changed {
			patch[k] = d
		}
	}
	for k, av := range after {
		if _, present := before[k]; !present {
			patch[k] = Clone(av)
		}
	}
	return patch
}

func diffValue(before, after Value) (Value, bool) {
	bo, bIsObj := before.(Object)
	ao, aIsObj := after.(Object)
	if bIsObj && aIsObj {
		d := Diff(bo, ao)
		return d, len(d) > 0
	}
	if aIsObj && len(ao) == 0 {
		// Merging {} onto a non-object yields {}, so the empty object is a
		// faithful patch for "became an empty object".
		return Object{}, true
	}
	if Equal(before, after) {
		return nil, false
	}
	return Clone(after), true
}

// Merge applies a merge patch to target and returns the result. The target
// is not modified.
func Merge(target, patch Object) Object {
	out := target.Clone()
	if out == nil {
		out = Object{}
	}
	for k, pv := range patch {
		switch p := pv.(type) {
		case Null:
			delete(out, k)
		case Object:
			base, _ := out[k].(Object)
			out[k] = Merge(base, p)
		default:
			out[k] = Clone(pv)
		}
	}
	return out
}

// IsEmpty reports whether a patch changes nothing.
func IsEmpty(patch Object) bool {
	return len(patch) == 0
}
