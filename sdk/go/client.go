package linklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Linkline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// Job describes a configured job.
type Job struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Table       string `json:"table"`
	TargetTable string `json:"target_table,omitempty"`
	ChildTable  string `json:"child_table,omitempty"`
	ScopeJob    string `json:"scope_job,omitempty"`
	Push        bool   `json:"push,omitempty"`
}

// Skip explains why a record produced no write.
type Skip struct {
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Tally counts outcomes for one category of records.
type Tally struct {
	Category  string `json:"category"`
	Evaluated int    `json:"evaluated"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Skips     []Skip `json:"skips,omitempty"`
}

// Window is a named period derived for one version.
type Window struct {
	Version string    `json:"version"`
	Name    string    `json:"name"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Run is a full run report.
type Run struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Tallies    []Tally   `json:"tallies"`
	Periods    []Window  `json:"periods,omitempty"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Evaluated  int       `json:"evaluated"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil)
}

// Jobs lists configured jobs.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var resp []Job
	err := c.do(ctx, http.MethodGet, "v0/jobs", &resp)
	return resp, err
}

// RunJob executes a job and waits for its report.
func (c *Client) RunJob(ctx context.Context, name string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%s/runs", url.PathEscape(name)), &resp)
	return resp, err
}

// Windows returns the milestone windows of a job, optionally for one version.
func (c *Client) Windows(ctx context.Context, job, version string) ([]Window, error) {
	endpoint := fmt.Sprintf("v0/jobs/%s/windows", url.PathEscape(job))
	if version != "" {
		endpoint += "?version=" + url.QueryEscape(version)
	}
	var resp []Window
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// Runs lists recorded runs, newest first.
func (c *Client) Runs(ctx context.Context, job string, limit int) ([]RunSummary, error) {
	q := url.Values{}
	if job != "" {
		q.Set("job", job)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []RunSummary
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// Run fetches one run report.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(bytes.TrimSpace(body))}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
