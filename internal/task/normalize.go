package task

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Normalize reduces a task to the canonical form used for content hashing.
// Backend-idiosyncratic noise is dropped: the backend-local gid is
// excluded, tags and dependency sets are sorted, section memberships
// collapse to a sorted set of section names, unset optionals become
// explicit nulls, and ModifiedAt is excluded entirely. Two tasks that
// agree on every syncable field normalize identically regardless of tag
// order, which optionals were omitted, or which backend assigned the id.
func Normalize(t *Task) map[string]interface{} {
	n := map[string]interface{}{
		"name":         t.Name,
		"notes":        t.Notes,
		"completed":    t.Completed,
		"due_on":       nilIfEmpty(t.DueOn),
		"start_on":     nilIfEmpty(t.StartOn),
		"assignee":     nilIfEmpty(t.Assignee),
		"assignee_gid": nilIfEmpty(t.AssigneeGID),
		"priority":     nilIfEmpty(string(t.Priority)),
		"is_milestone": t.IsMilestone,
		"tags":         sortedCopy(t.Tags),
		"dependencies": sortedCopy(t.Dependencies),
		"dependents":   sortedCopy(t.Dependents),
	}
	if t.Parent != "" {
		n["parent"] = t.Parent
	}
	// Section names travel across backends; gids do not.
	sections := t.SectionNames()
	if sections == nil {
		sections = []string{}
	}
	n["sections"] = sections
	return n
}

// ContentHash computes the SHA-256 hex digest of the canonical JSON
// encoding of the normalized task. encoding/json writes map keys in
// sorted order, which makes the encoding deterministic.
func ContentHash(t *Task) string {
	data, err := json.Marshal(Normalize(t))
	if err != nil {
		// Normalize only produces strings, bools and string slices;
		// marshaling cannot fail on that shape.
		panic(fmt.Sprintf("task: marshal normalized form: %v", err))
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func sortedCopy(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
