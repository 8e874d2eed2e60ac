// Package engine executes configured jobs: it reads snapshots from the record
// store, computes plans, dispatches writes and records a report per run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"linkline/internal/config"
	"linkline/internal/dispatch"
	"linkline/internal/domain"
	"linkline/internal/feed"
	"linkline/internal/milestones"
	"linkline/internal/records"
	"linkline/internal/report"
	"linkline/internal/runlog"
)

// ReasonInvalidChoice marks updates whose every field was an unknown select value.
const ReasonInvalidChoice = "invalid choice"

// ErrFatal wraps failures that make a run's output meaningless.
var ErrFatal = errors.New("run aborted")

type Engine struct {
	Repo       records.Repository
	Dispatcher *dispatch.Dispatcher
	Config     *config.Config
	Runs       *runlog.Store
	Source     feed.Source
	Pusher     *feed.Pusher
	Logger     *zap.Logger
	Now        func() time.Time
}

func New(repo records.Repository, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		Repo:       repo,
		Dispatcher: &dispatch.Dispatcher{Repo: repo, Logger: logger},
		Config:     cfg,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func fatal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// Run executes the named job and persists its report. Record-level problems
// end up in the report; the returned error is reserved for fatal failures.
func (e Engine) Run(ctx context.Context, name string) (report.Run, error) {
	if e.Config == nil {
		return report.Run{}, fatal("no configuration loaded")
	}
	job, err := e.Config.Job(name)
	if err != nil {
		return report.Run{}, err
	}
	run := report.Run{
		ID:        uuid.NewString(),
		Job:       job.Name,
		Kind:      job.Kind,
		StartedAt: e.now(),
	}
	log := e.logger().With(zap.String("run_id", run.ID), zap.String("job", job.Name), zap.String("kind", job.Kind))
	log.Info("run started")

	switch job.Kind {
	case config.KindPeerLinks:
		err = e.runPeerLinks(ctx, job, &run, log)
	case config.KindParentChildLinks:
		err = e.runParentChildLinks(ctx, job, &run, log)
	case config.KindForwardLinks:
		err = e.runForwardLinks(ctx, job, &run, log)
	case config.KindMilestoneWindows:
		err = e.runMilestoneWindows(ctx, job, &run, log)
	case config.KindMetricRollup:
		err = e.runMetricRollup(ctx, job, &run, log)
	default:
		err = fatal("unknown job kind %q", job.Kind)
	}
	if err != nil {
		run.Status = report.StatusFailed
		run.Error = err.Error()
	}
	run.Finish(e.now())
	total := run.Totals()
	log.Info("run finished",
		zap.String("status", run.Status),
		zap.Int("evaluated", total.Evaluated),
		zap.Int("updated", total.Updated),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed))

	if e.Runs != nil {
		if saveErr := e.Runs.Save(context.WithoutCancel(ctx), run); saveErr != nil {
			log.Error("saving run report failed", zap.Error(saveErr))
			if err == nil {
				err = saveErr
			}
		}
	}
	return run, err
}

func (e Engine) selectAll(ctx context.Context, table string, where map[string]any) ([]domain.Record, error) {
	recs, err := e.Repo.Select(ctx, table, records.SelectOptions{Where: where})
	if err != nil {
		return nil, fatal("read table %s: %v", table, err)
	}
	return recs, nil
}

// apply validates select choices, dispatches updates and folds the outcome
// into tally and run.
func (e Engine) apply(ctx context.Context, table string, updates []domain.Update, tally *report.Tally, run *report.Run, log *zap.Logger) {
	clean, dropped := e.Config.ChoiceSets(table).Sanitize(updates)
	if len(dropped) > 0 {
		kept := map[string]bool{}
		for _, u := range clean {
			kept[u.ID] = true
		}
		for _, d := range dropped {
			log.Warn("dropping invalid select value", zap.String("record_id", d.RecordID), zap.String("field", d.Field), zap.String("value", d.Value))
			if !kept[d.RecordID] {
				tally.Updated--
				tally.Skip(d.RecordID, ReasonInvalidChoice, d.String())
				kept[d.RecordID] = true
			}
		}
	}
	if len(clean) == 0 {
		return
	}
	res := e.Dispatcher.Updates(ctx, table, clean)
	ids := make([]string, len(clean))
	for i, u := range clean {
		ids[i] = u.ID
	}
	failed := dispatch.FailedIDs(res, ids)
	tally.Updated -= len(failed)
	tally.Failed += len(failed)
	for _, b := range res.Batches {
		rb := report.Batch{
			Op:       string(b.Op),
			Table:    b.Table,
			Index:    b.Index,
			Size:     b.Size,
			Attempts: b.Attempts,
			State:    string(b.State),
		}
		if b.Err != nil {
			rb.Error = b.Err.Error()
		}
		run.Batches = append(run.Batches, rb)
	}
}

// sortedWindows flattens windows into a stable display order.
func sortedWindows(byVersion map[string][]domain.Period) []report.VersionPeriod {
	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		if c := milestones.Compare(versions[i], versions[j]); c != 0 {
			return c < 0
		}
		return versions[i] < versions[j]
	})
	var out []report.VersionPeriod
	for _, v := range versions {
		for _, p := range byVersion[v] {
			out = append(out, report.VersionPeriod{Version: v, Period: p})
		}
	}
	return out
}
