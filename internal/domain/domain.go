package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is a read snapshot of one row in the record store.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Ref is a link reference to another record. Link fields serialize as a list of refs.
type Ref struct {
	ID string `json:"id"`
}

type Update struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type Create struct {
	Fields map[string]any `json:"fields"`
}

type Period struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start" format:"date-time"`
	End   time.Time `json:"end" format:"date-time"`
}

type MetricSample struct {
	SourceKey string    `json:"source_key"`
	Category  string    `json:"category"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"ts" format:"date-time"`
}

// NormalizeKey returns the comparable form of a natural key. Keys are
// case-sensitive; only surrounding whitespace is ignored.
func NormalizeKey(s string) string {
	return strings.TrimSpace(s)
}

// Text returns the string value of field. present is false when the field is
// absent or nil; malformed is true when a value exists but is not a string.
func (r Record) Text(field string) (value string, present bool, malformed bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", false, false
	}
	switch t := v.(type) {
	case string:
		return t, true, false
	case []any:
		// single-select and lookup fields sometimes arrive wrapped in a one-element list
		if len(t) == 1 {
			if s, ok := t[0].(string); ok {
				return s, true, false
			}
		}
	case []string:
		if len(t) == 1 {
			return t[0], true, false
		}
	}
	return "", true, true
}

// Key returns the normalized key stored in field.
func (r Record) Key(field string) (key string, err error) {
	v, present, malformed := r.Text(field)
	if malformed {
		return "", fmt.Errorf("field %q holds %T, want string", field, r.Fields[field])
	}
	if !present {
		return "", nil
	}
	return NormalizeKey(v), nil
}

// LinkIDs returns the set of record ids referenced by a link field.
func (r Record) LinkIDs(field string) IDSet {
	set := IDSet{}
	switch t := r.Fields[field].(type) {
	case []Ref:
		for _, ref := range t {
			set.Add(ref.ID)
		}
	case []string:
		for _, id := range t {
			set.Add(id)
		}
	case []any:
		for _, item := range t {
			switch v := item.(type) {
			case string:
				set.Add(v)
			case Ref:
				set.Add(v.ID)
			case map[string]any:
				if id, ok := v["id"].(string); ok {
					set.Add(id)
				}
			}
		}
	}
	return set
}

// Time parses a date or date-time field.
func (r Record) Time(field string) (time.Time, bool) {
	switch t := r.Fields[field].(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		return ParseDate(t)
	}
	return time.Time{}, false
}

// Number returns a numeric field value.
func (r Record) Number(field string) (float64, bool) {
	switch t := r.Fields[field].(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ParseDate accepts ISO-8601 dates and date-times.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IDSet is an unordered set of record ids.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s IDSet) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

func (s IDSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Equal(o IDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Contains(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in lexical order so writes are deterministic.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) Refs() []Ref {
	ids := s.Sorted()
	refs := make([]Ref, len(ids))
	for i, id := range ids {
		refs[i] = Ref{ID: id}
	}
	return refs
}
