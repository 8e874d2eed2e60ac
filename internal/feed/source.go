// Package feed reads metric samples from external sources and pushes
// milestone windows to the metric feed's ingest endpoint.
package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"linkline/internal/domain"
)

// Source yields metric samples with timestamps in [from, to). Zero bounds
// are open.
type Source interface {
	Samples(ctx context.Context, from, to time.Time) ([]domain.MetricSample, error)
}

const (
	driverName   = "pgx"
	defaultTable = "metric_samples"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TimescaleSource reads samples from a TimescaleDB hypertable with columns
// (source_key, category, value, ts).
type TimescaleSource struct {
	DB    *sql.DB
	Table string
}

// OpenTimescale connects to dsn and verifies the connection.
func OpenTimescale(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("timescale dsn is empty")
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping timescale: %w", err)
	}
	return db, nil
}

func NewTimescaleSource(db *sql.DB, table string) (*TimescaleSource, error) {
	if table == "" {
		table = defaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TimescaleSource{DB: db, Table: table}, nil
}

func (t *TimescaleSource) query(from, to time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT source_key, category, value, ts FROM ")
	b.WriteString(t.Table)
	var where []string
	var args []any
	if !from.IsZero() {
		args = append(args, from)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		where = append(where, fmt.Sprintf("ts < $%d", len(args)))
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts")
	return b.String(), args
}

func (t *TimescaleSource) Samples(ctx context.Context, from, to time.Time) ([]domain.MetricSample, error) {
	q, args := t.query(from, to)
	rows, err := t.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	var out []domain.MetricSample
	for rows.Next() {
		var s domain.MetricSample
		if err := rows.Scan(&s.SourceKey, &s.Category, &s.Value, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	return out, nil
}

// FileSource reads a JSON array of samples from disk.
type FileSource struct {
	Path string
}

func (f FileSource) Samples(_ context.Context, from, to time.Time) ([]domain.MetricSample, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read samples file: %w", err)
	}
	var all []domain.MetricSample
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse samples file %s: %w", f.Path, err)
	}
	out := all[:0]
	for _, s := range all {
		if !from.IsZero() && s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

var (
	_ Source = (*TimescaleSource)(nil)
	_ Source = FileSource{}
)
