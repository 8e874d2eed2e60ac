// Package aggregate folds metric samples into per-version, per-category sums
// and plans the writes that store them on version records.
package aggregate

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"linkline/internal/domain"
	"linkline/internal/report"
)

// DefaultPattern takes the version from the suffix after the last underscore.
const DefaultPattern = `_(?P<version>[^_]+)$`

const (
	ReasonNoVersion   = "no version in source key"
	ReasonUnmapped    = "unmapped category"
	ReasonOutOfWindow = "outside version windows"
	ReasonMissingKey  = "missing key"
	ReasonConverged   = "already converged"
)

// Extractor recovers a version key from a sample's source key.
type Extractor struct {
	re    *regexp.Regexp
	group int
}

// NewExtractor compiles pattern, which must contain a named group "version".
func NewExtractor(pattern string) (*Extractor, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile version pattern: %w", err)
	}
	idx := re.SubexpIndex("version")
	if idx < 0 {
		return nil, fmt.Errorf("version pattern %q has no (?P<version>...) group", pattern)
	}
	return &Extractor{re: re, group: idx}, nil
}

// Extract returns the normalized version key, or false when the pattern does
// not match or matches an empty version.
func (e *Extractor) Extract(sourceKey string) (string, bool) {
	m := e.re.FindStringSubmatch(sourceKey)
	if m == nil {
		return "", false
	}
	v := domain.NormalizeKey(m[e.group])
	return v, v != ""
}

// Totals holds sums by version then category.
type Totals map[string]map[string]float64

// Sum returns the total for one pair, zero when nothing was observed.
func (t Totals) Sum(version, category string) float64 {
	return t[version][category]
}

// Aggregator sums samples whose category appears in Fields.
type Aggregator struct {
	// Fields maps a metric category to its destination field.
	Fields  map[string]string
	Extract *Extractor
	// Scope, when set, keeps only samples inside one of their version's periods.
	Scope  map[string][]domain.Period
	Logger *zap.Logger
}

func (a *Aggregator) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

var defaultExtractor, _ = NewExtractor(DefaultPattern)

func (a *Aggregator) extractor() *Extractor {
	if a.Extract != nil {
		return a.Extract
	}
	return defaultExtractor
}

func inScope(periods []domain.Period, ts time.Time) bool {
	for _, p := range periods {
		if !ts.Before(p.Start) && ts.Before(p.End) {
			return true
		}
	}
	return false
}

// Aggregate folds samples into totals. Samples that cannot be attributed are
// skipped and counted, never fatal.
func (a *Aggregator) Aggregate(samples []domain.MetricSample) (Totals, report.Tally) {
	tally := report.NewTally("metric samples")
	totals := Totals{}
	warned := map[string]bool{}
	for _, s := range samples {
		tally.Evaluated++
		if _, mapped := a.Fields[s.Category]; !mapped {
			if !warned[s.Category] {
				warned[s.Category] = true
				a.logger().Warn("ignoring unmapped metric category", zap.String("category", s.Category))
			}
			tally.Skip("", ReasonUnmapped, s.Category)
			continue
		}
		version, ok := a.extractor().Extract(s.SourceKey)
		if !ok {
			a.logger().Warn("cannot extract version from source key", zap.String("source_key", s.SourceKey))
			tally.Skip("", ReasonNoVersion, s.SourceKey)
			continue
		}
		if a.Scope != nil && !inScope(a.Scope[version], s.Timestamp) {
			tally.Skip("", ReasonOutOfWindow, version)
			continue
		}
		if totals[version] == nil {
			totals[version] = map[string]float64{}
		}
		totals[version][s.Category] += s.Value
		tally.Updated++
	}
	return totals, tally
}

// Plan is the set of writes that store totals on destination records.
type Plan struct {
	Updates []domain.Update
	Tally   report.Tally
}

// Updates writes every mapped field on each destination whose key has a
// version. Categories with no samples are written as an explicit zero.
// Fields already holding the computed value are left alone.
func (a *Aggregator) Updates(totals Totals, destinations []domain.Record, keyField string) Plan {
	plan := Plan{Tally: report.NewTally("metric rollup")}
	categories := make([]string, 0, len(a.Fields))
	for c := range a.Fields {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, rec := range destinations {
		plan.Tally.Evaluated++
		version, err := rec.Key(keyField)
		if err != nil || version == "" {
			detail := keyField
			if err != nil {
				detail = err.Error()
			}
			plan.Tally.Skip(rec.ID, ReasonMissingKey, detail)
			continue
		}
		want := map[string]float64{}
		for _, c := range categories {
			want[a.Fields[c]] += totals.Sum(version, c)
		}
		changed := map[string]any{}
		for field, v := range want {
			if cur, ok := rec.Number(field); ok && cur == v {
				continue
			}
			changed[field] = v
		}
		if len(changed) == 0 {
			plan.Tally.Skip(rec.ID, ReasonConverged, "")
			continue
		}
		plan.Updates = append(plan.Updates, domain.Update{ID: rec.ID, Fields: changed})
		plan.Tally.Updated++
	}
	return plan
}
