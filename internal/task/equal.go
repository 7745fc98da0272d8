package task

// Equal compares two field values under the sync equality rules:
// primitives by ==, slices as multisets (order is not significant),
// maps by deep key-wise comparison. nil equals nil and nothing else.
func Equal(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	switch av := a.(type) {
	case []interface{}:
		switch bv := b.(type) {
		case []interface{}:
			return multisetEqual(av, bv)
		case []string:
			return multisetEqual(av, toAnySlice(bv))
		}
		return false
	case []string:
		return Equal(toAnySlice(av), b)
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok {
			return false
		}
		if len(av) != len(bv) {
			return false
		}
		for k, ae := range av {
			be, ok := bv[k]
			if !ok || !Equal(ae, be) {
				return false
			}
		}
		return true
	case Priority:
		return Equal(string(av), b)
	}

	if bv, ok := b.([]string); ok {
		return Equal(a, toAnySlice(bv))
	}
	if bv, ok := b.(Priority); ok {
		return Equal(a, string(bv))
	}

	// Numbers can arrive as int or float64 depending on whether the value
	// round-tripped through JSON.
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}

	return a == b
}

// multisetEqual reports whether two slices hold the same elements with the
// same multiplicities, ignoring order.
func multisetEqual(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	matched := make([]bool, len(b))
outer:
	for _, ae := range a {
		for i, be := range b {
			if !matched[i] && Equal(ae, be) {
				matched[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
