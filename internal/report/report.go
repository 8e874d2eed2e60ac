// Package report holds the per-run accounting every job produces: how many
// records were evaluated, updated, skipped or failed, and why.
package report

import (
	"sort"
	"time"

	"linkline/internal/domain"
)

const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Skip explains why a record produced no write.
type Skip struct {
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Tally counts outcomes for one category of records within a run.
type Tally struct {
	Category  string `json:"category"`
	Evaluated int    `json:"evaluated"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Skips     []Skip `json:"skips,omitempty"`
}

func NewTally(category string) Tally {
	return Tally{Category: category}
}

func (t *Tally) Skip(recordID, reason, detail string) {
	t.Skipped++
	t.Skips = append(t.Skips, Skip{RecordID: recordID, Reason: reason, Detail: detail})
}

// Reasons groups skips by reason.
func (t Tally) Reasons() map[string]int {
	out := map[string]int{}
	for _, s := range t.Skips {
		out[s.Reason]++
	}
	return out
}

// Batch summarizes one dispatched batch.
type Batch struct {
	Op       string `json:"op"`
	Table    string `json:"table"`
	Index    int    `json:"index"`
	Size     int    `json:"size"`
	Attempts int    `json:"attempts"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// Run is the persisted outcome of one job execution.
type Run struct {
	ID         string          `json:"id"`
	Job        string          `json:"job"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status" enum:"ok,partial,failed"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at" format:"date-time"`
	FinishedAt time.Time       `json:"finished_at" format:"date-time"`
	Tallies    []Tally         `json:"tallies"`
	Batches    []Batch         `json:"batches,omitempty"`
	Periods    []VersionPeriod `json:"periods,omitempty"`
}

// VersionPeriod is a derived window attached to a run for display.
type VersionPeriod struct {
	Version string `json:"version"`
	domain.Period
}

func (r *Run) AddTally(t Tally) {
	r.Tallies = append(r.Tallies, t)
}

// Tally returns a pointer to the named tally, creating it if needed.
func (r *Run) Tally(category string) *Tally {
	for i := range r.Tallies {
		if r.Tallies[i].Category == category {
			return &r.Tallies[i]
		}
	}
	r.Tallies = append(r.Tallies, NewTally(category))
	return &r.Tallies[len(r.Tallies)-1]
}

// Finish derives the run status from failed batches and sorts tallies.
func (r *Run) Finish(at time.Time) {
	r.FinishedAt = at
	sort.SliceStable(r.Tallies, func(i, j int) bool { return r.Tallies[i].Category < r.Tallies[j].Category })
	if r.Status == StatusFailed {
		return
	}
	r.Status = StatusOK
	for _, t := range r.Tallies {
		if t.Failed > 0 {
			r.Status = StatusPartial
			return
		}
	}
	for _, b := range r.Batches {
		if b.State != "done" {
			r.Status = StatusPartial
			return
		}
	}
}

// Totals sums every tally.
func (r Run) Totals() Tally {
	total := NewTally("total")
	for _, t := range r.Tallies {
		total.Evaluated += t.Evaluated
		total.Updated += t.Updated
		total.Skipped += t.Skipped
		total.Failed += t.Failed
	}
	return total
}
