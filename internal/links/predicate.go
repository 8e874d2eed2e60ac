package links

import (
	"fmt"
	"strings"

	"linkline/internal/domain"
)

// Predicate selects eligible forward lookup targets.
type Predicate func(domain.Record) bool

func fieldText(r domain.Record, field string) string {
	v, present, malformed := r.Text(field)
	if !present {
		return ""
	}
	if malformed {
		return fmt.Sprint(r.Fields[field])
	}
	return strings.TrimSpace(v)
}

// FieldEmpty matches records whose field is absent or blank.
func FieldEmpty(field string) Predicate {
	return func(r domain.Record) bool {
		v, ok := r.Fields[field]
		if !ok || v == nil {
			return true
		}
		if list, isList := v.([]any); isList {
			return len(list) == 0
		}
		return fieldText(r, field) == ""
	}
}

// FieldEquals matches records whose trimmed field equals value.
func FieldEquals(field, value string) Predicate {
	return func(r domain.Record) bool {
		return fieldText(r, field) == value
	}
}

// FieldNotContains matches records whose field does not contain substr.
func FieldNotContains(field, substr string) Predicate {
	return func(r domain.Record) bool {
		return !strings.Contains(fieldText(r, field), substr)
	}
}

// All matches records accepted by every predicate.
func All(preds ...Predicate) Predicate {
	return func(r domain.Record) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}

// Condition is the declarative form of a predicate, as read from config.
type Condition struct {
	Field       string `yaml:"field" json:"field"`
	Empty       bool   `yaml:"empty,omitempty" json:"empty,omitempty"`
	Equals      string `yaml:"equals,omitempty" json:"equals,omitempty"`
	NotContains string `yaml:"not_contains,omitempty" json:"not_contains,omitempty"`
}

// Build compiles conditions into a single predicate. No conditions accept every record.
func Build(conds []Condition) (Predicate, error) {
	var preds []Predicate
	for i, c := range conds {
		if c.Field == "" {
			return nil, fmt.Errorf("condition %d: field is required", i)
		}
		n := 0
		if c.Empty {
			preds = append(preds, FieldEmpty(c.Field))
			n++
		}
		if c.Equals != "" {
			preds = append(preds, FieldEquals(c.Field, c.Equals))
			n++
		}
		if c.NotContains != "" {
			preds = append(preds, FieldNotContains(c.Field, c.NotContains))
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("condition %d on %s: one of empty, equals, not_contains is required", i, c.Field)
		}
	}
	return All(preds...), nil
}
