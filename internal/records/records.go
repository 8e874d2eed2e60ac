// Package records is the boundary to the hosted record store. Everything
// above it works on read snapshots and write requests only.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"linkline/internal/domain"
)

// DefaultMaxBatchSize mirrors the hosted store's per-request write limit.
const DefaultMaxBatchSize = 50

// Repository is the record store consumed by every job.
type Repository interface {
	Select(ctx context.Context, table string, opts SelectOptions) ([]domain.Record, error)
	UpdateMany(ctx context.Context, table string, updates []domain.Update) error
	CreateMany(ctx context.Context, table string, creates []domain.Create) ([]domain.Record, error)
	DeleteMany(ctx context.Context, table string, ids []string) error
	MaxBatchSize() int
}

// SelectOptions narrows a snapshot read. Where is an equality filter on
// field values; Fields projects the returned fields (all when empty).
type SelectOptions struct {
	Where  map[string]any
	Fields []string
}

var (
	ErrNotFound      = errors.New("not found")
	ErrBatchTooLarge = errors.New("batch exceeds max batch size")
)

// RateLimitedError is returned when the store throttles a request.
// RetryAfter is zero when the store gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps failures worth retrying, such as timeouts and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Retryable classifies err. hint is the store's retry-after value, if any.
func Retryable(err error) (hint time.Duration, rateLimited bool, ok bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true, true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return 0, false, true
	}
	return 0, false, false
}

func checkBatch(n, max int) error {
	if max > 0 && n > max {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, n, max)
	}
	return nil
}

func project(rec domain.Record, fields []string) domain.Record {
	out := domain.Record{ID: rec.ID, Fields: make(map[string]any, len(rec.Fields))}
	if len(fields) == 0 {
		for k, v := range rec.Fields {
			out.Fields[k] = v
		}
		return out
	}
	for _, f := range fields {
		if v, ok := rec.Fields[f]; ok {
			out.Fields[f] = v
		}
	}
	return out
}

func matches(rec domain.Record, where map[string]any) bool {
	for field, want := range where {
		got, ok := rec.Fields[field]
		if !ok {
			if want == nil || want == "" {
				continue
			}
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
