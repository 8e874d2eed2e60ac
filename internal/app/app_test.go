package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkline/internal/config"
	"linkline/internal/domain"
	"linkline/internal/engine"
	"linkline/internal/feed"
	"linkline/internal/records"
	"linkline/internal/report"
)

func writeConfig(t *testing.T, dir, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(doc), 0o644))
}

func TestOpenSQLiteWorkspaceRunsJobs(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, config.DefaultTemplate)
	ctx := context.Background()

	a, err := Open(ctx, Options{Workspace: dir, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer a.Close()

	store, ok := a.Engine.Repo.(records.SQLStore)
	require.True(t, ok)
	require.NoError(t, store.Import(ctx, "Deploys", []domain.Record{
		{ID: "d1", Fields: map[string]any{"Build Version": "36.10"}},
		{ID: "d2", Fields: map[string]any{"Build Version": "36.10"}},
	}))
	src, ok := a.Engine.Source.(feed.FileSource)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "samples.json"), src.Path)
	assert.Nil(t, a.Engine.Pusher)
	assert.NotNil(t, a.Engine.Dispatcher.Metrics)

	run, err := a.Engine.Run(ctx, "deploy-peers")
	require.NoError(t, err)
	assert.Equal(t, report.StatusOK, run.Status)
	assert.Equal(t, 2, run.Totals().Updated)

	got, err := a.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy-peers", got.Job)
}

func TestOpenHTTPStoreNeedsAPIKey(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
store:
  base_id: app1
  api_key_env: TEST_KEY
feed:
  push:
    url: http://feed.invalid/ingest
    secret_env: TEST_SECRET
jobs:
  peers: {kind: peer_links, table: T, key_field: k, link_field: l}
`)
	_, err := Open(context.Background(), Options{Workspace: dir, Getenv: func(string) string { return "" }})
	require.ErrorIs(t, err, engine.ErrFatal)

	env := map[string]string{"TEST_KEY": "key", "TEST_SECRET": "shh"}
	a, err := Open(context.Background(), Options{Workspace: dir, Getenv: func(k string) string { return env[k] }})
	require.NoError(t, err)
	defer a.Close()
	store, ok := a.Engine.Repo.(*records.HTTPStore)
	require.True(t, ok)
	assert.Equal(t, "key", store.APIKey)
	assert.Equal(t, 50, store.MaxBatchSize())
	require.NotNil(t, a.Engine.Pusher)
	assert.Equal(t, "shh", a.Engine.Pusher.Secret)
	assert.Nil(t, a.Engine.Source)
}

func TestOpenMissingConfig(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	assert.Error(t, err)
}
