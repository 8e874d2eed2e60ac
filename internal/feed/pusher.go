package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"linkline/internal/report"
)

const (
	defaultPushTimeout     = 5 * time.Second
	defaultPushRetries     = 3
	defaultPushBackoff     = time.Second
	defaultPushConcurrency = 4
)

// Payload is the body posted for one window.
type Payload struct {
	VersionKey       string `json:"versionKey"`
	PeriodName       string `json:"periodName"`
	StreamIdentifier string `json:"streamIdentifier"`
	StartDate        string `json:"startDate"`
	EndDate          string `json:"endDate"`
}

// Delivery is the outcome of pushing one window.
type Delivery struct {
	Version  string `json:"version"`
	Period   string `json:"period"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// Pusher posts windows to the feed endpoint. Each window is delivered
// independently with its own bounded retry.
type Pusher struct {
	URL         string
	Secret      string
	Stream      string
	Client      *http.Client
	MaxRetries  int
	Backoff     time.Duration
	Concurrency int
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *zap.Logger
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (p *Pusher) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

func (p *Pusher) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: defaultPushTimeout}
}

func (p *Pusher) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Push delivers every window and returns one Delivery per window in input
// order. A failed window never stops the others.
func (p *Pusher) Push(ctx context.Context, windows []report.VersionPeriod) []Delivery {
	out := make([]Delivery, len(windows))
	limit := p.Concurrency
	if limit <= 0 {
		limit = defaultPushConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, w := range windows {
		g.Go(func() error {
			out[i] = p.deliver(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	failed := 0
	for _, d := range out {
		if d.Err != nil {
			failed++
		}
	}
	p.logger().Info("windows pushed", zap.Int("windows", len(windows)), zap.Int("failed", failed))
	return out
}

func (p *Pusher) deliver(ctx context.Context, w report.VersionPeriod) Delivery {
	d := Delivery{Version: w.Version, Period: w.Name}
	body, err := json.Marshal(Payload{
		VersionKey:       w.Version,
		PeriodName:       w.Name,
		StreamIdentifier: p.Stream,
		StartDate:        w.Start.UTC().Format(time.RFC3339),
		EndDate:          w.End.UTC().Format(time.RFC3339),
	})
	if err != nil {
		d.Err = err
		return d
	}
	retries := p.MaxRetries
	if retries <= 0 {
		retries = defaultPushRetries
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = defaultPushBackoff
	}
	delivery := uuid.NewString()
	for {
		d.Attempts++
		err := p.post(ctx, delivery, body)
		if err == nil {
			d.Err = nil
			return d
		}
		d.Err = err
		if !retryablePush(err) || d.Attempts > retries {
			p.logger().Warn("window push failed",
				zap.String("version", w.Version), zap.String("period", w.Name),
				zap.Int("attempts", d.Attempts), zap.Error(err))
			return d
		}
		if err := p.sleep(ctx, backoff*time.Duration(1<<(d.Attempts-1))); err != nil {
			d.Err = err
			return d
		}
	}
}

func retryablePush(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

func (p *Pusher) post(ctx context.Context, delivery string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Linkline-Delivery", delivery)
	if p.Stream != "" {
		req.Header.Set("X-Linkline-Stream", p.Stream)
	}
	if strings.TrimSpace(p.Secret) != "" {
		req.Header.Set("X-Linkline-Secret", p.Secret)
	}
	res, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(b))}
	}
	return nil
}
