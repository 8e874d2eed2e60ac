package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"linkline/internal/domain"
)

// HTTPStore talks to the hosted record store REST API.
type HTTPStore struct {
	BaseURL    string
	BaseID     string
	APIKey     string
	Batch      int
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
}

// NewHTTPStore creates a store client with the hosted defaults.
func NewHTTPStore(baseURL, baseID, apiKey string) *HTTPStore {
	return &HTTPStore{
		BaseURL: baseURL,
		BaseID:  baseID,
		APIKey:  apiKey,
		Batch:   DefaultMaxBatchSize,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses that are not retryable.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type wireRecord struct {
	ID          string         `json:"id,omitempty"`
	Fields      map[string]any `json:"fields"`
	CreatedTime string         `json:"createdTime,omitempty"`
}

type wirePage struct {
	Records []wireRecord `json:"records"`
	Offset  string       `json:"offset,omitempty"`
}

func (s *HTTPStore) MaxBatchSize() int {
	if s.Batch > 0 {
		return s.Batch
	}
	return DefaultMaxBatchSize
}

func (s *HTTPStore) Select(ctx context.Context, table string, opts SelectOptions) ([]domain.Record, error) {
	var out []domain.Record
	offset := ""
	for {
		q := url.Values{}
		if formula := FilterFormula(opts.Where); formula != "" {
			q.Set("filterByFormula", formula)
		}
		for _, f := range opts.Fields {
			q.Add("fields[]", f)
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		endpoint := s.tablePath(table)
		if enc := q.Encode(); enc != "" {
			endpoint += "?" + enc
		}
		var page wirePage
		if err := s.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Records {
			if r.Fields == nil {
				r.Fields = map[string]any{}
			}
			out = append(out, domain.Record{ID: r.ID, Fields: r.Fields})
		}
		if page.Offset == "" {
			return out, nil
		}
		offset = page.Offset
	}
}

func (s *HTTPStore) UpdateMany(ctx context.Context, table string, updates []domain.Update) error {
	if err := checkBatch(len(updates), s.MaxBatchSize()); err != nil {
		return err
	}
	body := wirePage{Records: make([]wireRecord, len(updates))}
	for i, u := range updates {
		body.Records[i] = wireRecord{ID: u.ID, Fields: u.Fields}
	}
	return s.do(ctx, http.MethodPatch, s.tablePath(table), body, nil)
}

func (s *HTTPStore) CreateMany(ctx context.Context, table string, creates []domain.Create) ([]domain.Record, error) {
	if err := checkBatch(len(creates), s.MaxBatchSize()); err != nil {
		return nil, err
	}
	body := wirePage{Records: make([]wireRecord, len(creates))}
	for i, c := range creates {
		body.Records[i] = wireRecord{Fields: c.Fields}
	}
	var resp wirePage
	if err := s.do(ctx, http.MethodPost, s.tablePath(table), body, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Record, len(resp.Records))
	for i, r := range resp.Records {
		out[i] = domain.Record{ID: r.ID, Fields: r.Fields}
	}
	return out, nil
}

func (s *HTTPStore) DeleteMany(ctx context.Context, table string, ids []string) error {
	if err := checkBatch(len(ids), s.MaxBatchSize()); err != nil {
		return err
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("records[]", id)
	}
	return s.do(ctx, http.MethodDelete, s.tablePath(table)+"?"+q.Encode(), nil, nil)
}

func (s *HTTPStore) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: s.Timeout}
}

func (s *HTTPStore) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: s.retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransientError{Err: &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}}
	case resp.StatusCode == http.StatusNotFound:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %w: %s", method, endpoint, ErrNotFound, strings.TrimSpace(string(b)))
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}

func (s *HTTPStore) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		now := time.Now()
		if s.Now != nil {
			now = s.Now()
		}
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func (s *HTTPStore) tablePath(table string) string {
	return fmt.Sprintf("%s/%s", url.PathEscape(s.BaseID), url.PathEscape(table))
}

func (s *HTTPStore) base() string {
	return strings.TrimRight(s.BaseURL, "/")
}

// FilterFormula renders an equality filter as a store formula.
func FilterFormula(where map[string]any) string {
	if len(where) == 0 {
		return ""
	}
	fields := make([]string, 0, len(where))
	for f := range where {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	clauses := make([]string, 0, len(fields))
	for _, f := range fields {
		ref := "{" + strings.ReplaceAll(f, "}", "\\}") + "}"
		switch v := where[f].(type) {
		case nil:
			clauses = append(clauses, ref+"=BLANK()")
		case string:
			if v == "" {
				clauses = append(clauses, ref+"=BLANK()")
				continue
			}
			clauses = append(clauses, fmt.Sprintf("%s='%s'", ref, strings.ReplaceAll(v, "'", "\\'")))
		case bool:
			if v {
				clauses = append(clauses, ref)
			} else {
				clauses = append(clauses, "NOT("+ref+")")
			}
		default:
			clauses = append(clauses, fmt.Sprintf("%s=%v", ref, v))
		}
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "AND(" + strings.Join(clauses, ",") + ")"
}

var _ Repository = (*HTTPStore)(nil)
