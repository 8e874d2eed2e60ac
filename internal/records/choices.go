package records

import (
	"fmt"

	"linkline/internal/domain"
)

// ChoiceSets maps a single-select field name to its allowed values.
type ChoiceSets map[string][]string

// Dropped describes a select value removed before a write.
type Dropped struct {
	RecordID string
	Field    string
	Value    string
}

func (d Dropped) String() string {
	return fmt.Sprintf("%s: %q is not a choice of %s", d.RecordID, d.Value, d.Field)
}

// Sanitize removes select values the store would reject. Updates left with no
// fields are removed entirely.
func (c ChoiceSets) Sanitize(updates []domain.Update) ([]domain.Update, []Dropped) {
	if len(c) == 0 {
		return updates, nil
	}
	allowed := make(map[string]map[string]bool, len(c))
	for field, values := range c {
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		allowed[field] = set
	}
	var dropped []Dropped
	out := make([]domain.Update, 0, len(updates))
	for _, u := range updates {
		fields := make(map[string]any, len(u.Fields))
		for k, v := range u.Fields {
			set, isSelect := allowed[k]
			if !isSelect || v == nil {
				fields[k] = v
				continue
			}
			s, ok := v.(string)
			if !ok || !set[s] {
				dropped = append(dropped, Dropped{RecordID: u.ID, Field: k, Value: fmt.Sprint(v)})
				continue
			}
			fields[k] = v
		}
		if len(fields) == 0 {
			continue
		}
		u.Fields = fields
		out = append(out, u)
	}
	return out, dropped
}
