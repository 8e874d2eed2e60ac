// Package dispatch submits write requests to a record store in fixed-size
// batches, one batch at a time, retrying throttled and transient failures.
//
// Each batch moves through a small state machine:
//
//	Idle -> Sending -> Done
//	          |  ^
//	          v  |
//	      BackoffWait
//	          |
//	          v
//	        Failed
//
// A failed batch never stops later batches; only a cancelled context does.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"linkline/internal/domain"
	"linkline/internal/records"
)

type State string

const (
	StateIdle        State = "idle"
	StateSending     State = "sending"
	StateBackoffWait State = "backoff_wait"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

type Op string

const (
	OpUpdate Op = "update"
	OpCreate Op = "create"
	OpDelete Op = "delete"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = 30 * time.Second
	DefaultMaxBackoff = 5 * time.Minute
)

// ErrNotAttempted marks batches skipped because the run was cancelled.
var ErrNotAttempted = errors.New("batch not attempted")

// Dispatcher is safe to reuse across runs but sends strictly sequentially.
type Dispatcher struct {
	Repo           records.Repository
	MaxRetries     int
	DefaultBackoff time.Duration
	MaxBackoff     time.Duration
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *zap.Logger
	Metrics *Metrics
}

// BatchResult is the terminal state of one batch.
type BatchResult struct {
	Op       Op
	Table    string
	Index    int
	Size     int
	Attempts int
	State    State
	Err      error
	// Offset is the position of the batch's first item in the input list.
	Offset int
}

type Result struct {
	Batches []BatchResult
	Created []domain.Record
}

// Calls counts store calls that were actually issued, retries included.
func (r Result) Calls() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Attempts
	}
	return n
}

// Sent counts items in batches that reached Done.
func (r Result) Sent() int {
	n := 0
	for _, b := range r.Batches {
		if b.State == StateDone {
			n += b.Size
		}
	}
	return n
}

// Failed counts items in batches that did not reach Done.
func (r Result) Failed() int {
	n := 0
	for _, b := range r.Batches {
		if b.State != StateDone {
			n += b.Size
		}
	}
	return n
}

// FailedIDs returns the ids of items whose batch failed, for update and delete batches.
func FailedIDs(r Result, ids []string) map[string]bool {
	out := map[string]bool{}
	for _, b := range r.Batches {
		if b.State == StateDone {
			continue
		}
		for i := b.Offset; i < b.Offset+b.Size && i < len(ids); i++ {
			out[ids[i]] = true
		}
	}
	return out
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

func (d *Dispatcher) maxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return DefaultMaxRetries
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, wait)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Updates sends update requests to table.
func (d *Dispatcher) Updates(ctx context.Context, table string, updates []domain.Update) Result {
	return run(ctx, d, OpUpdate, table, updates, func(ctx context.Context, chunk []domain.Update) ([]domain.Record, error) {
		return nil, d.Repo.UpdateMany(ctx, table, chunk)
	})
}

// Creates sends create requests to table; created records are collected in Result.Created.
func (d *Dispatcher) Creates(ctx context.Context, table string, creates []domain.Create) Result {
	return run(ctx, d, OpCreate, table, creates, func(ctx context.Context, chunk []domain.Create) ([]domain.Record, error) {
		return d.Repo.CreateMany(ctx, table, chunk)
	})
}

// Deletes removes records by id.
func (d *Dispatcher) Deletes(ctx context.Context, table string, ids []string) Result {
	return run(ctx, d, OpDelete, table, ids, func(ctx context.Context, chunk []string) ([]domain.Record, error) {
		return nil, d.Repo.DeleteMany(ctx, table, chunk)
	})
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = records.DefaultMaxBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func run[T any](ctx context.Context, d *Dispatcher, op Op, table string, items []T, send func(context.Context, []T) ([]domain.Record, error)) Result {
	var res Result
	offset := 0
	for i, chunk := range Chunk(items, d.Repo.MaxBatchSize()) {
		b := BatchResult{Op: op, Table: table, Index: i, Size: len(chunk), Offset: offset, State: StateIdle}
		offset += len(chunk)
		if err := ctx.Err(); err != nil {
			b.State = StateFailed
			b.Err = errors.Join(ErrNotAttempted, err)
			res.Batches = append(res.Batches, b)
			d.Metrics.batch(op, StateFailed)
			continue
		}
		created := sendBatch(ctx, d, &b, chunk, send)
		res.Created = append(res.Created, created...)
		res.Batches = append(res.Batches, b)
	}
	return res
}

func (d *Dispatcher) backoff(attempt int, hint time.Duration, rateLimited bool) time.Duration {
	if rateLimited && hint > 0 {
		return hint
	}
	base := d.DefaultBackoff
	if base <= 0 {
		base = DefaultBackoff
	}
	if rateLimited {
		return base
	}
	ceiling := d.MaxBackoff
	if ceiling <= 0 {
		ceiling = DefaultMaxBackoff
	}
	wait := base
	for i := 1; i < attempt && wait < ceiling; i++ {
		wait *= 2
	}
	if wait > ceiling {
		wait = ceiling
	}
	return wait
}

func sendBatch[T any](ctx context.Context, d *Dispatcher, b *BatchResult, chunk []T, send func(context.Context, []T) ([]domain.Record, error)) []domain.Record {
	log := d.logger().With(zap.String("op", string(b.Op)), zap.String("table", b.Table), zap.Int("batch", b.Index), zap.Int("size", b.Size))
	var wait time.Duration
	for {
		switch b.State {
		case StateIdle:
			b.State = StateSending

		case StateSending:
			b.Attempts++
			created, err := send(ctx, chunk)
			if err == nil {
				b.State = StateDone
				b.Err = nil
				d.Metrics.batch(b.Op, StateDone)
				d.Metrics.records(b.Op, b.Size)
				log.Debug("batch sent", zap.Int("attempts", b.Attempts))
				return created
			}
			b.Err = err
			hint, rateLimited, retryable := records.Retryable(err)
			if !retryable || ctx.Err() != nil || b.Attempts > d.maxRetries() {
				b.State = StateFailed
				continue
			}
			wait = d.backoff(b.Attempts, hint, rateLimited)
			reason := "transient"
			if rateLimited {
				reason = "rate_limited"
			}
			d.Metrics.retry(b.Op, reason)
			log.Info("batch backing off", zap.String("reason", reason), zap.Duration("wait", wait), zap.Int("attempt", b.Attempts), zap.Error(err))
			b.State = StateBackoffWait

		case StateBackoffWait:
			if err := d.sleep(ctx, wait); err != nil {
				b.Err = errors.Join(b.Err, err)
				b.State = StateFailed
				continue
			}
			b.State = StateSending

		default:
			b.State = StateFailed
			d.Metrics.batch(b.Op, StateFailed)
			log.Warn("batch failed", zap.Int("attempts", b.Attempts), zap.Error(b.Err))
			return nil
		}
	}
}
