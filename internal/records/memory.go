package records

import (
	"context"
	"fmt"
	"sync"

	"linkline/internal/domain"
)

// Memory is an in-process Repository used by tests and dry runs.
// FailNext queues errors returned by the next mutating calls, in order.
type Memory struct {
	mu       sync.Mutex
	tables   map[string]map[string]domain.Record
	order    map[string][]string
	seq      int
	batch    int
	failNext []error

	// Calls records the size of every mutating call that reached the store.
	Calls []int
}

func NewMemory(maxBatch int) *Memory {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	return &Memory{
		tables: map[string]map[string]domain.Record{},
		order:  map[string][]string{},
		batch:  maxBatch,
	}
}

func (m *Memory) MaxBatchSize() int { return m.batch }

// Seed inserts records as-is, keeping their ids.
func (m *Memory) Seed(table string, recs ...domain.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.put(table, r)
	}
}

// FailNext makes the next len(errs) mutating calls fail with errs.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.failNext = append(m.failNext, errs...)
	m.mu.Unlock()
}

// Get returns a copy of one record.
func (m *Memory) Get(table, id string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[table][id]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	return project(rec, nil), nil
}

func (m *Memory) put(table string, r domain.Record) {
	t, ok := m.tables[table]
	if !ok {
		t = map[string]domain.Record{}
		m.tables[table] = t
	}
	if _, exists := t[r.ID]; !exists {
		m.order[table] = append(m.order[table], r.ID)
	}
	t[r.ID] = project(r, nil)
}

func (m *Memory) takeFailure(n int) error {
	m.Calls = append(m.Calls, n)
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

func (m *Memory) Select(ctx context.Context, table string, opts SelectOptions) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	var out []domain.Record
	for _, id := range m.order[table] {
		rec, ok := t[id]
		if !ok || !matches(rec, opts.Where) {
			continue
		}
		out = append(out, project(rec, opts.Fields))
	}
	return out, nil
}

func (m *Memory) UpdateMany(ctx context.Context, table string, updates []domain.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkBatch(len(updates), m.batch); err != nil {
		return err
	}
	if err := m.takeFailure(len(updates)); err != nil {
		return err
	}
	t := m.tables[table]
	for _, u := range updates {
		if _, ok := t[u.ID]; !ok {
			return fmt.Errorf("record %s: %w", u.ID, ErrNotFound)
		}
	}
	for _, u := range updates {
		rec := t[u.ID]
		for k, v := range u.Fields {
			rec.Fields[k] = v
		}
		t[u.ID] = rec
	}
	return nil
}

func (m *Memory) CreateMany(ctx context.Context, table string, creates []domain.Create) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkBatch(len(creates), m.batch); err != nil {
		return nil, err
	}
	if err := m.takeFailure(len(creates)); err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(creates))
	for _, c := range creates {
		m.seq++
		rec := domain.Record{ID: fmt.Sprintf("rec%06d", m.seq), Fields: c.Fields}
		m.put(table, rec)
		out = append(out, project(rec, nil))
	}
	return out, nil
}

func (m *Memory) DeleteMany(ctx context.Context, table string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkBatch(len(ids), m.batch); err != nil {
		return err
	}
	if err := m.takeFailure(len(ids)); err != nil {
		return err
	}
	gone := map[string]bool{}
	for _, id := range ids {
		delete(m.tables[table], id)
		gone[id] = true
	}
	kept := m.order[table][:0]
	for _, id := range m.order[table] {
		if !gone[id] {
			kept = append(kept, id)
		}
	}
	m.order[table] = kept
	return nil
}

var _ Repository = (*Memory)(nil)
