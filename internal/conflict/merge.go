package conflict

import (
	"github.com/taskbridge/taskbridge/internal/task"
)

// MergeValues reconciles two field values by type dispatch:
// nil versus anything yields the non-nil value; arrays union with the first
// operand's order preserved; objects merge recursively key-wise; unequal
// strings keep the longer; numbers keep the larger; booleans OR. Anything
// else falls back to the first operand.
func MergeValues(a, b interface{}) interface{} {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	switch av := a.(type) {
	case []interface{}:
		if bv, ok := asSlice(b); ok {
			return unionSlices(av, bv)
		}
	case []string:
		if bv, ok := asSlice(b); ok {
			return unionSlices(toAny(av), bv)
		}
	case map[string]interface{}:
		if bv, ok := b.(map[string]interface{}); ok {
			return mergeMaps(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			if len(bv) > len(av) {
				return bv
			}
			return av
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av || bv
		}
	case int:
		if bv, ok := b.(int); ok {
			if bv > av {
				return bv
			}
			return av
		}
	case float64:
		if bv, ok := b.(float64); ok {
			if bv > av {
				return bv
			}
			return av
		}
	}
	return a
}

// MergeTasks folds every syncable field of b into a copy of a, taking
// field-local MergeValues for disagreements. The result is the single
// reconciled record the engines write back to every backend.
func MergeTasks(a, b *task.Task) *task.Task {
	merged := a.Clone()
	for _, f := range task.SyncableFields {
		va, vb := a.FieldValue(f), b.FieldValue(f)
		if task.Equal(va, vb) {
			continue
		}
		merged.SetField(f, MergeValues(va, vb))
	}
	return merged
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch sv := v.(type) {
	case []interface{}:
		return sv, true
	case []string:
		return toAny(sv), true
	}
	return nil, false
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// unionSlices preserves a's order and appends elements of b not already
// present under the sync equality rules.
func unionSlices(a, b []interface{}) []interface{} {
	out := append([]interface{}(nil), a...)
	for _, be := range b {
		present := false
		for _, ae := range out {
			if task.Equal(ae, be) {
				present = true
				break
			}
		}
		if !present {
			out = append(out, be)
		}
	}
	return out
}

// mergeMaps merges key-wise: shared scalar keys keep a's value when equal,
// otherwise recurse through MergeValues.
func mergeMaps(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		av, ok := out[k]
		if !ok {
			out[k] = bv
			continue
		}
		if !task.Equal(av, bv) {
			out[k] = MergeValues(av, bv)
		}
	}
	return out
}
