package server

import (
	"time"

	"linkline/internal/config"
	"linkline/internal/report"
)

// Response payloads

type JobResponse struct {
	Name        string `json:"name"`
	Kind        string `json:"kind" enum:"peer_links,parent_child_links,forward_links,milestone_windows,metric_rollup"`
	Table       string `json:"table"`
	TargetTable string `json:"target_table,omitempty"`
	ChildTable  string `json:"child_table,omitempty"`
	ScopeJob    string `json:"scope_job,omitempty"`
	Push        bool   `json:"push,omitempty"`
}

type RunSummary struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status" enum:"ok,partial,failed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" format:"date-time"`
	FinishedAt time.Time `json:"finished_at" format:"date-time"`
	Evaluated  int       `json:"evaluated"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

func toJobResponse(j *config.Job) JobResponse {
	return JobResponse{
		Name:        j.Name,
		Kind:        j.Kind,
		Table:       j.Table,
		TargetTable: j.TargetTable,
		ChildTable:  j.ChildTable,
		ScopeJob:    j.ScopeJob,
		Push:        j.Push,
	}
}

func toJobResponses(cfg *config.Config) []JobResponse {
	if cfg == nil {
		return []JobResponse{}
	}
	names := cfg.JobNames()
	out := make([]JobResponse, 0, len(names))
	for _, name := range names {
		job, err := cfg.Job(name)
		if err != nil {
			continue
		}
		out = append(out, toJobResponse(job))
	}
	return out
}

func toRunSummary(r report.Run) RunSummary {
	t := r.Totals()
	return RunSummary{
		ID:         r.ID,
		Job:        r.Job,
		Kind:       r.Kind,
		Status:     r.Status,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Evaluated:  t.Evaluated,
		Updated:    t.Updated,
		Skipped:    t.Skipped,
		Failed:     t.Failed,
	}
}

func toRunSummaries(runs []report.Run) []RunSummary {
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunSummary(r))
	}
	return out
}
