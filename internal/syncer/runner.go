// Package syncer runs one reconciliation end to end: load the feed, list
// the store, plan, dispatch, and record the outcome.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"icssync/internal/dispatch"
	"icssync/internal/history"
	"icssync/internal/ics"
	appLog "icssync/internal/log"
	"icssync/internal/metrics"
	"icssync/internal/model"
	"icssync/internal/reconcile"
)

// ErrRunInProgress is returned when a run is requested while another one
// is still going.
var ErrRunInProgress = errors.New("sync run already in progress")

const previewHorizon = 366 * 24 * time.Hour

// SourceLoader produces the feed events for a run.
type SourceLoader interface {
	LoadSourceEvents(ctx context.Context) ([]model.SourceEvent, ics.LoadStats, error)
}

// Store is a target calendar backend.
type Store interface {
	dispatch.Executor
	ListEvents(ctx context.Context) ([]model.TargetEvent, error)
	Name() string
}

// Ledger persists finished runs.
type Ledger interface {
	Record(ctx context.Context, run history.Run) error
}

// Options tune a Runner.
type Options struct {
	Planner reconcile.Options
	Workers int
}

// IntentReport describes one intent in a Report.
type IntentReport struct {
	Kind     model.IntentKind `json:"kind"`
	Title    string           `json:"title"`
	Key      string           `json:"key"`
	TargetID string           `json:"target_id,omitempty"`
	Changes  []string         `json:"changes,omitempty"`
	// Next is the first upcoming occurrence of a created event.
	Next *time.Time `json:"next,omitempty"`

	Applied bool   `json:"applied"`
	Class   string `json:"class,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the outcome of Plan or Run.
type Report struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DryRun     bool              `json:"dry_run"`
	Status     string            `json:"status"`
	Backend    string            `json:"backend"`
	Source     ics.LoadStats     `json:"source"`
	Summary    reconcile.Summary `json:"summary"`
	Intents    []IntentReport    `json:"intents"`
	Failed     int               `json:"failed"`
	// Dispatch is set on applied runs only.
	Dispatch *dispatch.Tally `json:"dispatch,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Runner owns the collaborators of a sync. Runs never overlap.
type Runner struct {
	source  SourceLoader
	store   Store
	ledger  Ledger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time

	runMu sync.Mutex

	lastMu sync.RWMutex
	last   *Report
}

// NewRunner wires a Runner. ledger and m may be nil.
func NewRunner(source SourceLoader, store Store, ledger Ledger, m *metrics.Metrics, opts Options) *Runner {
	return &Runner{
		source:  source,
		store:   store,
		ledger:  ledger,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// Last returns the most recent report, or nil.
func (r *Runner) Last() *Report {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// Plan computes the intents without applying them.
func (r *Runner) Plan(ctx context.Context) (*Report, error) {
	return r.execute(ctx, true)
}

// Run computes and applies the intents. It returns ErrRunInProgress instead
// of waiting when another run holds the lock.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	return r.execute(ctx, false)
}

func (r *Runner) execute(ctx context.Context, dryRun bool) (*Report, error) {
	if !r.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.runMu.Unlock()

	rep := &Report{
		RunID:     uuid.NewString(),
		StartedAt: r.now(),
		DryRun:    dryRun,
		Backend:   r.store.Name(),
	}
	appLog.Info("sync run started", "run_id", rep.RunID, "dry_run", dryRun, "backend", rep.Backend)

	intents, err := r.plan(ctx, rep)
	if err != nil {
		rep.Status = history.StatusFailed
		rep.Error = err.Error()
		r.finish(ctx, rep, nil)
		return rep, err
	}

	if dryRun {
		rep.Status = history.StatusDryRun
		r.finish(ctx, rep, nil)
		return rep, nil
	}

	results := dispatch.Run(ctx, r.store, intents, r.opts.Workers)
	for i, res := range results {
		ir := &rep.Intents[i]
		ir.Applied = res.OK()
		if res.Err != nil {
			ir.Class = string(res.Class)
			ir.Error = res.Err.Error()
			r.metrics.IncDispatchFailure(string(res.Intent.Kind), string(res.Class))
		}
	}
	tally := dispatch.Count(results)
	rep.Dispatch = &tally
	rep.Failed = tally.FailedCount()
	rep.Status = history.StatusSuccess
	if rep.Failed > 0 {
		rep.Status = history.StatusPartial
	}
	r.finish(ctx, rep, results)
	return rep, nil
}

// plan fills rep with the source stats, the summary and one IntentReport
// per intent, and returns the intents in the same order.
func (r *Runner) plan(ctx context.Context, rep *Report) ([]model.Intent, error) {
	sources, stats, err := r.source.LoadSourceEvents(ctx)
	rep.Source = stats
	if err != nil {
		return nil, fmt.Errorf("load source events: %w", err)
	}

	targets, err := r.store.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list target events: %w", err)
	}

	plan, err := reconcile.NewPlanner(r.opts.Planner).Plan(sources, targets)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	rep.Summary = plan.Summary
	s := plan.Summary
	r.metrics.ObservePlan(s.Sources, s.Targets, s.Creates, s.Updates, s.Deletes, s.SourceCollisions, s.TargetCollisions)

	now := r.now()
	rep.Intents = make([]IntentReport, 0, len(plan.Intents))
	for _, in := range plan.Intents {
		ir := IntentReport{
			Kind:     in.Kind,
			Title:    in.Title(),
			Key:      in.Key,
			TargetID: in.TargetID,
			Changes:  plan.Changes[in.Key],
		}
		if in.Source != nil {
			if occ, ok := ics.NextOccurrence(*in.Source, now.UTC(), previewHorizon); ok {
				next := occ.Start
				ir.Next = &next
			}
		}
		rep.Intents = append(rep.Intents, ir)
	}
	return plan.Intents, nil
}

func (r *Runner) finish(ctx context.Context, rep *Report, results []dispatch.Result) {
	rep.FinishedAt = r.now()
	duration := rep.FinishedAt.Sub(rep.StartedAt)

	r.lastMu.Lock()
	r.last = rep
	r.lastMu.Unlock()

	r.metrics.ObserveRun(rep.Status, duration, rep.FinishedAt, rep.Failed)

	if r.ledger != nil {
		// Record even when ctx was cancelled mid-run.
		recCtx := context.WithoutCancel(ctx)
		if err := r.ledger.Record(recCtx, toHistory(rep, results)); err != nil {
			appLog.Error("failed to record run", err, "run_id", rep.RunID)
		}
	}

	if rep.Status == history.StatusFailed {
		appLog.Error("sync run failed", errors.New(rep.Error), "run_id", rep.RunID, "duration", duration.String())
		return
	}
	appLog.Info("sync complete",
		"run_id", rep.RunID,
		"status", rep.Status,
		"created", rep.Summary.Creates,
		"updated", rep.Summary.Updates,
		"deleted", rep.Summary.Deletes,
		"unchanged", rep.Summary.Unchanged,
		"failed", rep.Failed,
		"duration", duration.String(),
	)
}

func toHistory(rep *Report, results []dispatch.Result) history.Run {
	run := history.Run{
		ID:         rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Status:     rep.Status,
		DryRun:     rep.DryRun,
		Backend:    rep.Backend,
		Summary:    rep.Summary,
		Failed:     rep.Failed,
		Error:      rep.Error,
	}
	for _, res := range results {
		ir := history.IntentResult{
			Kind:     res.Intent.Kind,
			Key:      res.Intent.Key,
			TargetID: res.Intent.TargetID,
			OK:       res.OK(),
			Class:    string(res.Class),
			Duration: res.Duration,
		}
		if res.Err != nil {
			ir.Error = res.Err.Error()
		}
		run.Intents = append(run.Intents, ir)
	}
	return run
}
