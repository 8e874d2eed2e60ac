package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"linkline/internal/domain"
)

// SQLStore keeps records in the workspace SQLite database. It backs offline
// runs and end-to-end tests with the same batch limit as the hosted store.
type SQLStore struct {
	DB    *sql.DB
	Batch int
	Now   func() time.Time
}

func (s SQLStore) MaxBatchSize() int {
	if s.Batch > 0 {
		return s.Batch
	}
	return DefaultMaxBatchSize
}

func (s SQLStore) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s SQLStore) Select(ctx context.Context, table string, opts SelectOptions) ([]domain.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,fields_json FROM records WHERE table_name=? ORDER BY rowid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		out     []domain.Record
		scanned int
	)
	for rows.Next() {
		scanned++
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(id, payload)
		if err != nil {
			return nil, err
		}
		if !matches(rec, opts.Where) {
			continue
		}
		out = append(out, project(rec, opts.Fields))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if scanned == 0 {
		var known int
		err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM record_tables WHERE name=?`, table).Scan(&known)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s SQLStore) UpdateMany(ctx context.Context, table string, updates []domain.Update) error {
	if err := checkBatch(len(updates), s.MaxBatchSize()); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now()
	for _, u := range updates {
		var payload string
		err := tx.QueryRowContext(ctx, `SELECT fields_json FROM records WHERE table_name=? AND id=?`, table, u.ID).Scan(&payload)
		if err == sql.ErrNoRows {
			return fmt.Errorf("record %s: %w", u.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(u.ID, payload)
		if err != nil {
			return err
		}
		for k, v := range u.Fields {
			rec.Fields[k] = v
		}
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", u.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET fields_json=?, updated_at=? WHERE table_name=? AND id=?`,
			string(data), now, table, u.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLStore) CreateMany(ctx context.Context, table string, creates []domain.Create) ([]domain.Record, error) {
	if err := checkBatch(len(creates), s.MaxBatchSize()); err != nil {
		return nil, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := registerTable(ctx, tx, table); err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]domain.Record, 0, len(creates))
	for _, c := range creates {
		rec := domain.Record{ID: newRecordID(), Fields: c.Fields}
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}
		if err := insertRecord(ctx, tx, table, rec, now); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s SQLStore) DeleteMany(ctx context.Context, table string, ids []string) error {
	if err := checkBatch(len(ids), s.MaxBatchSize()); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	args := []any{table}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.DB.ExecContext(ctx, `DELETE FROM records WHERE table_name=? AND id IN (`+placeholders+`)`, args...)
	return err
}

// Import upserts records keeping their ids, for mirroring a hosted snapshot locally.
func (s SQLStore) Import(ctx context.Context, table string, recs []domain.Record) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := registerTable(ctx, tx, table); err != nil {
		return err
	}
	now := s.now()
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("import into %s: record without id", table)
		}
		if err := insertRecord(ctx, tx, table, rec, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// registerTable marks a table as known, so it stays readable once emptied.
func registerTable(ctx context.Context, tx *sql.Tx, table string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO record_tables(name) VALUES (?)`, table)
	return err
}

func insertRecord(ctx context.Context, tx *sql.Tx, table string, rec domain.Record, now string) error {
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO records(table_name,id,fields_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(table_name,id) DO UPDATE SET fields_json=excluded.fields_json, updated_at=excluded.updated_at`,
		table, rec.ID, string(data), now, now)
	return err
}

func decodeRecord(id, payload string) (domain.Record, error) {
	rec := domain.Record{ID: id, Fields: map[string]any{}}
	if payload == "" {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return rec, fmt.Errorf("decode record %s: %w", id, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, nil
}

func newRecordID() string {
	return "rec" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

var _ Repository = SQLStore{}
