// Package collection holds domain records and the per-collection cache that
// serves reads while the remote endpoint is unreachable.
package collection

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Record is one domain object (idea, comment, vote, approval). Records are
// schemaless JSON objects identified by their "id" field.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		out := make(Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	var out Record
	_ = json.Unmarshal(raw, &out)
	return out
}

// Merge returns a copy of r with the top-level fields of patch applied.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch.Clone() {
		out[k] = v
	}
	return out
}

// Matches reports whether every query parameter equals the record's field
// of the same name, compared as text.
func (r Record) Matches(query url.Values) bool {
	for field, wants := range query {
		if len(wants) == 0 {
			continue
		}
		value, ok := r[field]
		if !ok {
			return false
		}
		if !slices.Contains(wants, fieldText(value)) {
			return false
		}
	}
	return true
}

// Contains reports whether any string field contains text, ignoring case.
func (r Record) Contains(text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return true
	}
	for _, value := range r {
		if s, ok := value.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// ReplaceValue rewrites every occurrence of the string old, at any depth,
// with replacement. It reports whether anything changed.
func (r Record) ReplaceValue(old, replacement string) bool {
	changed := false
	for k, v := range r {
		if nv, ok := replaceIn(v, old, replacement); ok {
			r[k] = nv
			changed = true
		}
	}
	return changed
}

func replaceIn(value any, old, replacement string) (any, bool) {
	switch v := value.(type) {
	case string:
		if v == old {
			return replacement, true
		}
	case map[string]any:
		return v, Record(v).ReplaceValue(old, replacement)
	case Record:
		return v, v.ReplaceValue(old, replacement)
	case []any:
		changed := false
		for i, item := range v {
			if nv, ok := replaceIn(item, old, replacement); ok {
				v[i] = nv
				changed = true
			}
		}
		return v, changed
	}
	return value, false
}

func fieldText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
