package records

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkline/internal/domain"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Body   string
	Auth   string
}

func newFakeAPI(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*HTTPStore, *[]recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: string(body), Auth: r.Header.Get("Authorization")})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	s := NewHTTPStore(srv.URL+"/v0/", "appBase", "key123")
	return s, &seen
}

func TestHTTPStoreSelectPaginates(t *testing.T) {
	s, seen := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			_, _ = w.Write([]byte(`{"records":[{"id":"r1","fields":{"Version":"36.10","Peers":[{"id":"r2"}]}}],"offset":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"records":[{"id":"r2","fields":{"Version":"36.10"}}]}`))
	})
	got, err := s.Select(context.Background(), "Deploys Table", SelectOptions{Where: map[string]any{"Version": "36.10"}, Fields: []string{"Version", "Peers"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].LinkIDs("Peers").Equal(domain.NewIDSet("r2")))

	require.Len(t, *seen, 2)
	first := (*seen)[0]
	assert.Equal(t, "/v0/appBase/Deploys Table", first.Path)
	assert.Equal(t, "Bearer key123", first.Auth)
	assert.Equal(t, []string{"{Version}='36.10'"}, first.Query["filterByFormula"])
	assert.Equal(t, []string{"Version", "Peers"}, first.Query["fields[]"])
	assert.Equal(t, "p2", (*seen)[1].Query["offset"][0])
}

func TestHTTPStoreUpdateSerializesLinks(t *testing.T) {
	s, seen := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"records":[]}`))
	})
	err := s.UpdateMany(context.Background(), "Deploys", []domain.Update{
		{ID: "r1", Fields: map[string]any{"Peers": domain.NewIDSet("r3", "r2").Refs()}},
	})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, http.MethodPatch, (*seen)[0].Method)
	assert.JSONEq(t, `{"records":[{"id":"r1","fields":{"Peers":[{"id":"r2"},{"id":"r3"}]}}]}`, (*seen)[0].Body)
}

func TestHTTPStoreErrorMapping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	s, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	})
	ctx := context.Background()
	upd := []domain.Update{{ID: "r1", Fields: map[string]any{"x": 1}}}

	err := s.UpdateMany(ctx, "T", upd)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2*time.Second, rl.RetryAfter)

	status.Store(http.StatusServiceUnavailable)
	err = s.UpdateMany(ctx, "T", upd)
	var te *TransientError
	assert.ErrorAs(t, err, &te)

	status.Store(http.StatusUnprocessableEntity)
	err = s.UpdateMany(ctx, "T", upd)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnprocessableEntity, ae.StatusCode)
	_, _, retryable := Retryable(err)
	assert.False(t, retryable)

	status.Store(http.StatusNotFound)
	_, err = s.Select(ctx, "T", SelectOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStoreCreateAndDelete(t *testing.T) {
	s, seen := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"records":[{"id":"recNew","fields":{"Name":"x"}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	ctx := context.Background()
	created, err := s.CreateMany(ctx, "T", []domain.Create{{Fields: map[string]any{"Name": "x"}}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "recNew", created[0].ID)

	require.NoError(t, s.DeleteMany(ctx, "T", []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, (*seen)[1].Query["records[]"])

	s.Batch = 1
	assert.ErrorIs(t, s.DeleteMany(ctx, "T", []string{"a", "b"}), ErrBatchTooLarge)
}

func TestFilterFormula(t *testing.T) {
	assert.Equal(t, "", FilterFormula(nil))
	assert.Equal(t, "{Type}=BLANK()", FilterFormula(map[string]any{"Type": ""}))
	assert.Equal(t, "AND({A}='it\\'s',{B}=3,NOT({C}))", FilterFormula(map[string]any{"A": "it's", "B": 3, "C": false}))
}

func TestHTTPStoreConcurrentSelects(t *testing.T) {
	s, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"r1","fields":{}}]}`))
	})
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Select(context.Background(), "T", SelectOptions{})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Nil(t, s.HTTPClient)
}
