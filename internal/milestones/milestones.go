// Package milestones turns sparse per-version milestone dates into the
// ordered, contiguous periods used to scope metric aggregation.
package milestones

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"linkline/internal/domain"
	"linkline/internal/report"
)

// Type is a milestone from the fixed lifecycle vocabulary. The numeric order
// is the vocabulary order.
type Type int

const (
	BranchCreate Type = iota + 1
	HardLock
	PencilsDown
	CertSub
	Live
)

var typeNames = map[Type]string{
	BranchCreate: "Branch Create",
	HardLock:     "Hard Lock",
	PencilsDown:  "Pencils Down",
	CertSub:      "Cert Sub",
	Live:         "Live",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType resolves a stored milestone value. Stores hand back either a
// plain string or an object carrying a name, sometimes wrapped in a list.
func ParseType(v any) (Type, error) {
	var name string
	switch t := v.(type) {
	case string:
		name = t
	case map[string]any:
		s, ok := t["name"].(string)
		if !ok {
			return 0, fmt.Errorf("milestone object without name: %v", t)
		}
		name = s
	case []any:
		if len(t) != 1 {
			return 0, fmt.Errorf("milestone list of %d values", len(t))
		}
		return ParseType(t[0])
	case nil:
		return 0, fmt.Errorf("milestone is empty")
	default:
		return 0, fmt.Errorf("milestone holds %T", v)
	}
	needle := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	for typ, n := range typeNames {
		if strings.ToLower(n) == needle {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("unknown milestone %q", name)
}

// Event is one dated milestone of a version.
type Event struct {
	Version string    `json:"version"`
	Type    Type      `json:"type"`
	Date    time.Time `json:"date"`
}

// EventFields names the record fields that carry a milestone event.
type EventFields struct {
	Version string `yaml:"version" json:"version"`
	Type    string `yaml:"type" json:"type"`
	Date    string `yaml:"date" json:"date"`
}

// Collect reads one event per record and groups them by version. When a
// version holds the same milestone twice the record seen last wins.
func Collect(recs []domain.Record, fields EventFields, logger *zap.Logger) (map[string][]Event, report.Tally) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tally := report.NewTally("milestones")
	byVersion := map[string]map[Type]Event{}
	order := map[string][]Type{}
	for _, rec := range recs {
		tally.Evaluated++
		version, err := rec.Key(fields.Version)
		if err != nil {
			tally.Skip(rec.ID, "malformed version", err.Error())
			continue
		}
		if version == "" {
			tally.Skip(rec.ID, "missing version", fields.Version)
			continue
		}
		typ, err := ParseType(rec.Fields[fields.Type])
		if err != nil {
			logger.Warn("skipping milestone", zap.String("record_id", rec.ID), zap.Error(err))
			tally.Skip(rec.ID, "unrecognized milestone", err.Error())
			continue
		}
		date, ok := rec.Time(fields.Date)
		if !ok {
			tally.Skip(rec.ID, "missing date", fields.Date)
			continue
		}
		events := byVersion[version]
		if events == nil {
			events = map[Type]Event{}
			byVersion[version] = events
		}
		if prev, dup := events[typ]; dup {
			logger.Warn("duplicate milestone, keeping last",
				zap.String("version", version), zap.Stringer("milestone", typ),
				zap.Time("dropped", prev.Date), zap.Time("kept", date))
		} else {
			order[version] = append(order[version], typ)
		}
		events[typ] = Event{Version: version, Type: typ, Date: date}
		tally.Updated++
	}
	out := make(map[string][]Event, len(byVersion))
	for version, types := range order {
		for _, typ := range types {
			out[version] = append(out[version], byVersion[version][typ])
		}
	}
	return out, tally
}

// DefaultHotfixMarkers identify patch versions that never get windows.
var DefaultHotfixMarkers = []string{"hotfix", "HF"}

// Builder derives periods from milestone events.
type Builder struct {
	HotfixMarkers []string
	Logger        *zap.Logger
}

func (b Builder) logger() *zap.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return zap.NewNop()
}

// IsHotfix reports whether version carries a hotfix marker.
func (b Builder) IsHotfix(version string) bool {
	markers := b.HotfixMarkers
	if markers == nil {
		markers = DefaultHotfixMarkers
	}
	for _, m := range markers {
		if m != "" && strings.Contains(version, m) {
			return true
		}
	}
	return false
}

// Windows returns the ordered periods for one version. branchCreated may be
// zero, in which case a Branch Create event is used when present. nextLive is
// the Live date of the following version, or zero when unknown.
func (b Builder) Windows(version string, branchCreated time.Time, events []Event, nextLive time.Time) []domain.Period {
	if b.IsHotfix(version) {
		return nil
	}
	latest := map[Type]Event{}
	for _, e := range events {
		if e.Type == BranchCreate {
			if branchCreated.IsZero() {
				branchCreated = e.Date
			}
			continue
		}
		if _, known := typeNames[e.Type]; !known {
			continue
		}
		latest[e.Type] = e
	}
	sorted := make([]Event, 0, len(latest))
	for _, e := range latest {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].Type < sorted[j].Type
	})

	var periods []domain.Period
	if hl, ok := latest[HardLock]; ok && !branchCreated.IsZero() {
		switch {
		case sorted[0].Type != HardLock:
			b.logger().Warn("hard lock is not the earliest milestone, no pre-lock window",
				zap.String("version", version), zap.Stringer("earliest", sorted[0].Type))
		case hl.Date.Before(branchCreated):
			b.logger().Warn("branch created after hard lock, no pre-lock window",
				zap.String("version", version), zap.Time("branch_created", branchCreated), zap.Time("hard_lock", hl.Date))
		case branchCreated.Before(hl.Date):
			periods = append(periods, domain.Period{Name: "Pre Hard Lock", Start: branchCreated, End: hl.Date})
		}
	}
	for i := 1; i < len(sorted); i++ {
		prev, next := sorted[i-1], sorted[i]
		if !prev.Date.Before(next.Date) {
			b.logger().Debug("dropping zero-length window",
				zap.String("version", version), zap.Stringer("from", prev.Type), zap.Stringer("to", next.Type))
			continue
		}
		periods = append(periods, domain.Period{
			Name:  prev.Type.String() + " -> " + next.Type.String(),
			Start: prev.Date,
			End:   next.Date,
		})
	}
	if live, ok := latest[Live]; ok && !nextLive.IsZero() {
		switch {
		case sorted[len(sorted)-1].Type != Live:
			b.logger().Warn("live is not the latest milestone, no trailing window", zap.String("version", version))
		case !live.Date.Before(nextLive):
			b.logger().Warn("next version goes live before this one, no trailing window",
				zap.String("version", version), zap.Time("live", live.Date), zap.Time("next_live", nextLive))
		default:
			periods = append(periods, domain.Period{Name: "Live+", Start: live.Date, End: nextLive})
		}
	}
	return periods
}

// All builds windows for every version, resolving each version's trailing
// boundary from the Live date of its numeric successor.
func (b Builder) All(byVersion map[string][]Event) map[string][]domain.Period {
	versions := make([]string, 0, len(byVersion))
	liveOf := map[string]time.Time{}
	for v, events := range byVersion {
		versions = append(versions, v)
		for _, e := range events {
			if e.Type == Live {
				liveOf[v] = e.Date
			}
		}
	}
	out := map[string][]domain.Period{}
	for _, v := range versions {
		if b.IsHotfix(v) {
			continue
		}
		var nextLive time.Time
		if next, ok := b.NextVersion(v, versions); ok {
			nextLive = liveOf[next]
		}
		if periods := b.Windows(v, time.Time{}, byVersion[v], nextLive); len(periods) > 0 {
			out[v] = periods
		}
	}
	return out
}
