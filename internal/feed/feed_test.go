package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"linkline/internal/domain"
	"linkline/internal/report"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTimescaleSourceSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src, err := NewTimescaleSource(db, "telemetry.crashes")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	ts := from.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT source_key, category, value, ts FROM telemetry.crashes WHERE ts >= $1 AND ts < $2 ORDER BY ts")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"source_key", "category", "value", "ts"}).
			AddRow("game_36.10", "crash", 3.0, ts).
			AddRow("game_36.20", "hang", 1.5, ts))

	got, err := src.Samples(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, []domain.MetricSample{
		{SourceKey: "game_36.10", Category: "crash", Value: 3, Timestamp: ts},
		{SourceKey: "game_36.20", Category: "hang", Value: 1.5, Timestamp: ts},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSourceOpenRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src, err := NewTimescaleSource(db, "")
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT source_key, category, value, ts FROM metric_samples ORDER BY ts")).
		WillReturnRows(sqlmock.NewRows([]string{"source_key", "category", "value", "ts"}))
	got, err := src.Samples(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSourceRejectsBadTable(t *testing.T) {
	_, err := NewTimescaleSource(nil, "samples; DROP TABLE x")
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"source_key":"a_1.0","category":"crash","value":1,"ts":"2024-01-01T00:00:00Z"},
		{"source_key":"a_1.0","category":"crash","value":2,"ts":"2024-02-01T00:00:00Z"}
	]`), 0o644))
	got, err := FileSource{Path: path}.Samples(context.Background(), time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Value)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}.Samples(context.Background(), time.Time{}, time.Time{})
	assert.Error(t, err)
}

func window(version, name string) report.VersionPeriod {
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	return report.VersionPeriod{Version: version, Period: domain.Period{Name: name, Start: start, End: start.AddDate(0, 0, 10)}}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestPusherDeliversPayload(t *testing.T) {
	var mu sync.Mutex
	var got []Payload
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, p)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := &Pusher{URL: srv.URL, Secret: "s3cret", Stream: "crashes", Client: srv.Client(), Sleep: noSleep}
	out := p.Push(context.Background(), []report.VersionPeriod{window("36.10", "Hard Lock -> Live")})
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, 1, out[0].Attempts)
	require.Len(t, got, 1)
	assert.Equal(t, Payload{
		VersionKey:       "36.10",
		PeriodName:       "Hard Lock -> Live",
		StreamIdentifier: "crashes",
		StartDate:        "2024-01-10T00:00:00Z",
		EndDate:          "2024-01-20T00:00:00Z",
	}, got[0])
	assert.Equal(t, "s3cret", headers[0].Get("X-Linkline-Secret"))
	assert.NotEmpty(t, headers[0].Get("X-Linkline-Delivery"))
}

func TestPusherRetriesIndependently(t *testing.T) {
	var calls sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		n, _ := calls.LoadOrStore(p.PeriodName, new(atomic.Int32))
		count := n.(*atomic.Int32).Add(1)
		switch p.PeriodName {
		case "flaky":
			if count < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		case "rejected":
			http.Error(w, "bad period", http.StatusUnprocessableEntity)
			return
		case "down":
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Pusher{URL: srv.URL, Client: srv.Client(), MaxRetries: 2, Sleep: noSleep, Concurrency: 2}
	out := p.Push(context.Background(), []report.VersionPeriod{
		window("1.0", "flaky"),
		window("1.0", "rejected"),
		window("1.0", "down"),
		window("1.0", "fine"),
	})
	require.Len(t, out, 4)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, 3, out[0].Attempts)
	assert.ErrorContains(t, out[1].Err, "bad period")
	assert.Equal(t, 1, out[1].Attempts)
	assert.Error(t, out[2].Err)
	assert.Equal(t, 3, out[2].Attempts)
	assert.NoError(t, out[3].Err)
}
