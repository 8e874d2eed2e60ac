// Package runlog persists run reports in the workspace database.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"linkline/internal/report"
)

var ErrNotFound = errors.New("run not found")

const defaultListLimit = 20

type Store struct {
	DB *sql.DB
}

type ListOptions struct {
	Job   string
	Limit int
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Save inserts or replaces a run.
func (s Store) Save(ctx context.Context, run report.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO runs(id,job,kind,status,started_at,finished_at,report_json) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, finished_at=excluded.finished_at, report_json=excluded.report_json`,
		run.ID, run.Job, run.Kind, run.Status, formatTime(run.StartedAt), formatTime(run.FinishedAt), string(data))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func decode(raw string) (report.Run, error) {
	var run report.Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return run, fmt.Errorf("decode run report: %w", err)
	}
	return run, nil
}

func (s Store) Get(ctx context.Context, id string) (report.Run, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Run{}, ErrNotFound
	}
	if err != nil {
		return report.Run{}, err
	}
	return decode(raw)
}

// List returns runs newest first.
func (s Store) List(ctx context.Context, opts ListOptions) ([]report.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var (
		where []string
		args  []any
	)
	if opts.Job != "" {
		where = append(where, "job=?")
		args = append(args, opts.Job)
	}
	q := `SELECT report_json FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var raws []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		raws = append(raws, raw)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	runs := make([]report.Run, 0, len(raws))
	for _, raw := range raws {
		run, err := decode(raw)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
