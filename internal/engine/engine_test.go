package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkline/internal/config"
	"linkline/internal/db"
	"linkline/internal/dispatch"
	"linkline/internal/domain"
	"linkline/internal/engine"
	"linkline/internal/feed"
	"linkline/internal/records"
	"linkline/internal/report"
	"linkline/internal/runlog"
)

const testConfig = `
store:
  kind: sqlite
  max_batch_size: 2
choices:
  Versions:
    Health: [green, red]
feed:
  source:
    path: samples.json
jobs:
  peers:
    kind: peer_links
    table: Deploys
    key_field: Version
    link_field: Peers
  parents:
    kind: parent_child_links
    table: Builds
    key_field: Version
    link_field: Children
    discriminator: Parent
  forward:
    kind: forward_links
    table: Deploys
    target_table: Builds
    key_field: Version
    link_field: Build
    cardinality: first
    target_filter:
      - field: Parent
        empty: true
  windows:
    kind: milestone_windows
    table: Milestones
    event_fields: {version: Version, type: Milestone, date: Date}
  rollup:
    kind: metric_rollup
    table: Versions
    key_field: Version
    scope_job: windows
    fields:
      crash: Crash Count
      hang: Hang Count
`

type testEnv struct {
	Engine engine.Engine
	Mem    *records.Memory
	Runs   *runlog.Store
	Dir    string
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.OpenMigrated(context.Background(), db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	cfg, err := config.FromYAML([]byte(testConfig))
	require.NoError(t, err)

	mem := records.NewMemory(cfg.Store.MaxBatchSize)
	eng := engine.New(mem, cfg, nil)
	eng.Dispatcher.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	eng.Dispatcher.MaxRetries = 1
	eng.Runs = &runlog.Store{DB: conn}
	eng.Source = feed.FileSource{Path: filepath.Join(dir, "samples.json")}
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Mem: mem, Runs: eng.Runs, Dir: dir, Ctx: context.Background()}
}

func deploy(id, version string) domain.Record {
	return domain.Record{ID: id, Fields: map[string]any{"Version": version}}
}

func TestPeerJobConvergesAndIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.Mem.Seed("Deploys", deploy("r1", "36.10"), deploy("r2", "36.10"), deploy("r3", "36.20"), deploy("r4", "36.10"))

	run, err := env.Engine.Run(env.Ctx, "peers")
	require.NoError(t, err)
	assert.Equal(t, report.StatusOK, run.Status)
	require.Len(t, run.Tallies, 1)
	assert.Equal(t, 4, run.Tallies[0].Evaluated)
	assert.Equal(t, 3, run.Tallies[0].Updated)
	assert.Equal(t, 1, run.Tallies[0].Skipped)
	assert.Len(t, run.Batches, 2)

	r1, err := env.Mem.Get("Deploys", "r1")
	require.NoError(t, err)
	assert.True(t, r1.LinkIDs("Peers").Equal(domain.NewIDSet("r2", "r4")))

	again, err := env.Engine.Run(env.Ctx, "peers")
	require.NoError(t, err)
	assert.Zero(t, again.Tallies[0].Updated)
	assert.Empty(t, again.Batches)

	stored, err := env.Runs.List(env.Ctx, runlog.ListOptions{Job: "peers"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestFailedBatchMakesRunPartial(t *testing.T) {
	env := newTestEnv(t)
	env.Mem.Seed("Deploys", deploy("a", "1.0"), deploy("b", "1.0"), deploy("c", "1.0"), deploy("d", "1.0"))
	transient := &records.TransientError{Err: errors.New("timeout")}
	env.Mem.FailNext(transient, transient)

	run, err := env.Engine.Run(env.Ctx, "peers")
	require.NoError(t, err)
	assert.Equal(t, report.StatusPartial, run.Status)
	require.Len(t, run.Batches, 2)
	assert.Equal(t, string(dispatch.StateFailed), run.Batches[0].State)
	assert.Equal(t, string(dispatch.StateDone), run.Batches[1].State)
	assert.Equal(t, 2, run.Tallies[0].Updated)
	assert.Equal(t, 2, run.Tallies[0].Failed)

	// the failed half converges on the next run
	run, err = env.Engine.Run(env.Ctx, "peers")
	require.NoError(t, err)
	assert.Equal(t, report.StatusOK, run.Status)
	assert.Equal(t, 2, run.Tallies[0].Updated)
}

func TestUnreadableTableIsFatal(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, "peers")
	require.ErrorIs(t, err, engine.ErrFatal)
	assert.Equal(t, report.StatusFailed, run.Status)
	assert.Empty(t, env.Mem.Calls)

	stored, err := env.Runs.Get(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, stored.Status)

	_, err = env.Engine.Run(env.Ctx, "missing")
	assert.ErrorIs(t, err, config.ErrJobNotFound)
}

func TestParentAndForwardJobs(t *testing.T) {
	env := newTestEnv(t)
	env.Mem.Seed("Builds",
		domain.Record{ID: "p", Fields: map[string]any{"Version": "2.0"}},
		domain.Record{ID: "c1", Fields: map[string]any{"Version": "2.0", "Parent": "p"}},
		domain.Record{ID: "c2", Fields: map[string]any{"Version": "2.0", "Parent": "p"}},
	)
	env.Mem.Seed("Deploys", deploy("d1", "2.0"), deploy("d2", "3.0"))

	run, err := env.Engine.Run(env.Ctx, "parents")
	require.NoError(t, err)
	p, err := env.Mem.Get("Builds", "p")
	require.NoError(t, err)
	assert.True(t, p.LinkIDs("Children").Equal(domain.NewIDSet("c1", "c2")))
	assert.Equal(t, 1, run.Tallies[0].Updated)

	run, err = env.Engine.Run(env.Ctx, "forward")
	require.NoError(t, err)
	d1, err := env.Mem.Get("Deploys", "d1")
	require.NoError(t, err)
	assert.True(t, d1.LinkIDs("Build").Equal(domain.NewIDSet("p")))
	assert.Equal(t, map[string]int{"no matching target": 1}, run.Tallies[0].Reasons())
}

func TestParentJobIgnoresSiblingParents(t *testing.T) {
	env := newTestEnv(t)
	env.Mem.Seed("Builds",
		domain.Record{ID: "p1", Fields: map[string]any{"Version": "2.0"}},
		domain.Record{ID: "p2", Fields: map[string]any{"Version": "2.0"}},
		domain.Record{ID: "c1", Fields: map[string]any{"Version": "2.0", "Parent": "p"}},
	)

	run, err := env.Engine.Run(env.Ctx, "parents")
	require.NoError(t, err)
	assert.Equal(t, 2, run.Tallies[0].Updated)
	for _, id := range []string{"p1", "p2"} {
		p, err := env.Mem.Get("Builds", id)
		require.NoError(t, err)
		assert.True(t, p.LinkIDs("Children").Equal(domain.NewIDSet("c1")), id)
	}
}

func seedMilestones(env testEnv) {
	ms := func(id, version, typ, date string) domain.Record {
		return domain.Record{ID: id, Fields: map[string]any{"Version": version, "Milestone": typ, "Date": date}}
	}
	env.Mem.Seed("Milestones",
		ms("m1", "36.10", "Hard Lock", "2024-01-10"),
		ms("m2", "36.10", "Pencils Down", "2024-01-20"),
		ms("m3", "36.10", "Live", "2024-02-01"),
		ms("m4", "36.20", "Live", "2024-03-01"),
		ms("m5", "36.20", "Launch Party", "2024-03-02"),
	)
}

func TestMilestoneWindowsJob(t *testing.T) {
	env := newTestEnv(t)
	seedMilestones(env)

	run, err := env.Engine.Run(env.Ctx, "windows")
	require.NoError(t, err)
	require.Len(t, run.Periods, 3)
	assert.Equal(t, "Hard Lock -> Pencils Down", run.Periods[0].Name)
	assert.Equal(t, "Live+", run.Periods[2].Name)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), run.Periods[2].End)
	assert.Equal(t, map[string]int{"unrecognized milestone": 1}, run.Tallies[0].Reasons())
	assert.Empty(t, env.Mem.Calls)

	windows, err := env.Engine.Windows(env.Ctx, "windows")
	require.NoError(t, err)
	assert.Equal(t, run.Periods, windows)

	_, err = env.Engine.Windows(env.Ctx, "peers")
	assert.ErrorIs(t, err, engine.ErrFatal)
}

func TestMetricRollupJob(t *testing.T) {
	env := newTestEnv(t)
	seedMilestones(env)
	require.NoError(t, os.WriteFile(filepath.Join(env.Dir, "samples.json"), []byte(`[
		{"source_key":"game_36.10","category":"crash","value":2,"ts":"2024-01-15T00:00:00Z"},
		{"source_key":"game_36.10","category":"crash","value":3,"ts":"2024-02-15T00:00:00Z"},
		{"source_key":"game_36.10","category":"crash","value":50,"ts":"2023-01-01T00:00:00Z"},
		{"source_key":"game_36.10","category":"fps","value":60,"ts":"2024-01-15T00:00:00Z"},
		{"source_key":"broken","category":"hang","value":1,"ts":"2024-01-15T00:00:00Z"}
	]`), 0o644))
	env.Mem.Seed("Versions",
		domain.Record{ID: "v1", Fields: map[string]any{"Version": "36.10"}},
		domain.Record{ID: "v2", Fields: map[string]any{"Version": "36.30", "Crash Count": 0, "Hang Count": 0}},
	)

	run, err := env.Engine.Run(env.Ctx, "rollup")
	require.NoError(t, err)
	assert.Equal(t, report.StatusOK, run.Status)
	v1, err := env.Mem.Get("Versions", "v1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v1.Fields["Crash Count"])
	assert.Equal(t, 0.0, v1.Fields["Hang Count"])

	samples := run.Tally("metric samples")
	assert.Equal(t, 5, samples.Evaluated)
	assert.Equal(t, 2, samples.Updated)
	rollup := run.Tally("metric rollup")
	assert.Equal(t, 1, rollup.Updated)
	assert.Equal(t, 1, rollup.Skipped)
}

func TestPushWithoutTargetIsFatal(t *testing.T) {
	env := newTestEnv(t)
	seedMilestones(env)
	job, err := env.Engine.Config.Job("windows")
	require.NoError(t, err)
	job.Push = true
	_, err = env.Engine.Run(env.Ctx, "windows")
	assert.ErrorIs(t, err, engine.ErrFatal)
}

func TestInvalidChoicesAreDropped(t *testing.T) {
	env := newTestEnv(t)
	env.Mem.Seed("Versions", domain.Record{ID: "v", Fields: map[string]any{"Version": "1.0"}})
	job, err := env.Engine.Config.Job("rollup")
	require.NoError(t, err)
	job.Fields = map[string]string{"crash": "Health"}
	job.ScopeJob = ""
	require.NoError(t, os.WriteFile(filepath.Join(env.Dir, "samples.json"), []byte(`[]`), 0o644))

	run, err := env.Engine.Run(env.Ctx, "rollup")
	require.NoError(t, err)
	rollup := run.Tally("metric rollup")
	assert.Zero(t, rollup.Updated)
	assert.Equal(t, map[string]int{engine.ReasonInvalidChoice: 1}, rollup.Reasons())
	assert.Empty(t, env.Mem.Calls)
}
