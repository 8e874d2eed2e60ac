package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"linkline/internal/aggregate"
	"linkline/internal/config"
	"linkline/internal/domain"
	"linkline/internal/links"
	"linkline/internal/milestones"
	"linkline/internal/report"
)

func (e Engine) runPeerLinks(ctx context.Context, job *config.Job, run *report.Run, log *zap.Logger) error {
	recs, err := e.selectAll(ctx, job.Table, job.Where)
	if err != nil {
		return err
	}
	plan := links.Synchronizer{Logger: log}.PeerLinks(recs, job.KeyField, job.LinkField)
	e.apply(ctx, job.Table, plan.Updates, &plan.Tally, run, log)
	run.AddTally(plan.Tally)
	return nil
}

func (e Engine) runParentChildLinks(ctx context.Context, job *config.Job, run *report.Run, log *zap.Logger) error {
	parents, err := e.selectAll(ctx, job.Table, job.Where)
	if err != nil {
		return err
	}
	children := parents
	if job.ChildTable != job.Table || len(job.Where) > 0 {
		if children, err = e.selectAll(ctx, job.ChildTable, nil); err != nil {
			return err
		}
	}
	plan := links.Synchronizer{Logger: log}.ParentChildLinks(children, parents, links.ParentChildOptions{
		KeyField:      job.KeyField,
		LinkField:     job.LinkField,
		Discriminator: job.Discriminator,
	})
	e.apply(ctx, job.Table, plan.Updates, &plan.Tally, run, log)
	run.AddTally(plan.Tally)
	return nil
}

func (e Engine) runForwardLinks(ctx context.Context, job *config.Job, run *report.Run, log *zap.Logger) error {
	filter, err := links.Build(job.TargetFilter)
	if err != nil {
		return fatal("job %s target filter: %v", job.Name, err)
	}
	sources, err := e.selectAll(ctx, job.Table, job.Where)
	if err != nil {
		return err
	}
	targets, err := e.selectAll(ctx, job.TargetTable, nil)
	if err != nil {
		return err
	}
	plan := links.Synchronizer{Logger: log}.ForwardLookupLinks(sources, targets, links.ForwardOptions{
		KeyField:       job.KeyField,
		TargetKeyField: job.TargetKeyField,
		LinkField:      job.LinkField,
		Filter:         filter,
		Cardinality:    job.Cardinality,
	})
	e.apply(ctx, job.Table, plan.Updates, &plan.Tally, run, log)
	run.AddTally(plan.Tally)
	return nil
}

func (e Engine) builder(log *zap.Logger) milestones.Builder {
	return milestones.Builder{HotfixMarkers: e.Config.Milestones.HotfixMarkers, Logger: log}
}

// windows derives the periods of a milestone_windows job.
func (e Engine) windows(ctx context.Context, job *config.Job, log *zap.Logger) (map[string][]domain.Period, report.Tally, error) {
	recs, err := e.selectAll(ctx, job.Table, job.Where)
	if err != nil {
		return nil, report.Tally{}, err
	}
	events, tally := milestones.Collect(recs, job.EventFields, log)
	return e.builder(log).All(events), tally, nil
}

// Windows returns the periods a milestone_windows job would produce, without
// pushing them or recording a run.
func (e Engine) Windows(ctx context.Context, name string) ([]report.VersionPeriod, error) {
	job, err := e.Config.Job(name)
	if err != nil {
		return nil, err
	}
	if job.Kind != config.KindMilestoneWindows {
		return nil, fatal("job %s is %s, not %s", name, job.Kind, config.KindMilestoneWindows)
	}
	byVersion, _, err := e.windows(ctx, job, e.logger())
	if err != nil {
		return nil, err
	}
	return sortedWindows(byVersion), nil
}

func (e Engine) runMilestoneWindows(ctx context.Context, job *config.Job, run *report.Run, log *zap.Logger) error {
	if job.Push && e.Pusher == nil {
		return fatal("job %s pushes windows but no feed push target is configured", job.Name)
	}
	byVersion, tally, err := e.windows(ctx, job, log)
	if err != nil {
		return err
	}
	run.AddTally(tally)
	run.Periods = sortedWindows(byVersion)
	if !job.Push {
		return nil
	}
	push := report.NewTally("window push")
	for _, d := range e.Pusher.Push(ctx, run.Periods) {
		push.Evaluated++
		if d.Err != nil {
			push.Failed++
			push.Skips = append(push.Skips, report.Skip{RecordID: d.Version, Reason: "push failed", Detail: d.Period + ": " + d.Err.Error()})
			continue
		}
		push.Updated++
	}
	run.AddTally(push)
	return nil
}

func (e Engine) runMetricRollup(ctx context.Context, job *config.Job, run *report.Run, log *zap.Logger) error {
	if e.Source == nil {
		return fatal("job %s needs a metric source", job.Name)
	}
	extract, err := aggregate.NewExtractor(job.VersionPattern)
	if err != nil {
		return fatal("job %s: %v", job.Name, err)
	}
	agg := &aggregate.Aggregator{Fields: job.Fields, Extract: extract, Logger: log}
	if job.ScopeJob != "" {
		scope, err := e.Config.Job(job.ScopeJob)
		if err != nil {
			return fatal("job %s scope: %v", job.Name, err)
		}
		byVersion, _, err := e.windows(ctx, scope, log)
		if err != nil {
			return err
		}
		agg.Scope = byVersion
	}
	var from time.Time
	if lb := job.Lookback(); lb > 0 {
		from = e.now().Add(-lb)
	}
	samples, err := e.Source.Samples(ctx, from, time.Time{})
	if err != nil {
		return fatal("read metric feed: %v", err)
	}
	dests, err := e.selectAll(ctx, job.Table, job.Where)
	if err != nil {
		return err
	}
	totals, sampleTally := agg.Aggregate(samples)
	run.AddTally(sampleTally)
	plan := agg.Updates(totals, dests, job.KeyField)
	e.apply(ctx, job.Table, plan.Updates, &plan.Tally, run, log)
	run.AddTally(plan.Tally)
	return nil
}
