// Package dispatch applies planned intents to a target store with bounded
// parallelism. A failing intent never cancels its siblings; every outcome is
// reported back to the caller and nothing is retried here.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "icssync/internal/log"
	"icssync/internal/model"
)

// DefaultWorkers is used when Run is given a non-positive worker count.
const DefaultWorkers = 4

// Executor applies a single intent to a store.
type Executor interface {
	Execute(ctx context.Context, in model.Intent) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in model.Intent) error

func (f ExecutorFunc) Execute(ctx context.Context, in model.Intent) error { return f(ctx, in) }

// Class groups dispatch failures by what an operator can do about them.
type Class string

const (
	ClassNone      Class = ""
	ClassTransient Class = "transient" // network or 5xx; the next run will retry
	ClassThrottled Class = "throttled" // rate limited
	ClassPermanent Class = "permanent" // the store rejected the request
)

// Error attaches a Class to a store error.
type Error struct {
	Class Class
	Err   error
}

// NewError wraps err with class. A nil err stays nil.
func NewError(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

func (e *Error) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Classify returns the class of err. Unclassified errors are permanent,
// except context cancellation which is transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}

// Result is the outcome of one intent.
type Result struct {
	Intent   model.Intent
	Err      error
	Class    Class
	Duration time.Duration
}

// OK reports whether the intent was applied.
func (r Result) OK() bool { return r.Err == nil }

// Run executes intents with at most workers in flight and returns one
// Result per intent, in input order. Cancelling ctx stops intents that have
// not started yet; they are reported with the context error.
func Run(ctx context.Context, exec Executor, intents []model.Intent, workers int) []Result {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	results := make([]Result, len(intents))
	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	failed := 0

	for i, in := range intents {
		g.Go(func() error {
			started := time.Now()
			var err error
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
			} else {
				err = exec.Execute(ctx, in)
			}
			res := Result{Intent: in, Err: err, Class: Classify(err), Duration: time.Since(started)}
			results[i] = res

			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				appLog.Error("dispatch failed", err,
					"kind", string(in.Kind),
					"title", in.Title(),
					"target_id", in.TargetID,
					"class", string(res.Class),
				)
				return nil
			}
			appLog.Debug("dispatch ok", "kind", string(in.Kind), "title", in.Title())
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		appLog.Warn("dispatch finished with failures", "total", len(intents), "failed", failed)
	}
	return results
}

// Tally counts results by kind and outcome.
type Tally struct {
	Applied map[model.IntentKind]int `json:"applied"`
	Failed  map[model.IntentKind]int `json:"failed"`
	ByClass map[Class]int            `json:"by_class"`
}

// Count builds a Tally from results.
func Count(results []Result) Tally {
	t := Tally{
		Applied: make(map[model.IntentKind]int),
		Failed:  make(map[model.IntentKind]int),
		ByClass: make(map[Class]int),
	}
	for _, r := range results {
		if r.OK() {
			t.Applied[r.Intent.Kind]++
			continue
		}
		t.Failed[r.Intent.Kind]++
		t.ByClass[r.Class]++
	}
	return t
}

// FailedCount is the total number of failed intents.
func (t Tally) FailedCount() int {
	n := 0
	for _, c := range t.Failed {
		n += c
	}
	return n
}
