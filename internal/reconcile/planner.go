// Package reconcile derives match keys for feed and store events, decides
// per matched pair whether the store copy needs rewriting, and plans the
// create / update / delete intents that make the store match the feed.
//
// Everything here is pure: no I/O, no shared state, no mutation of inputs.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	appLog "icssync/internal/log"
	"icssync/internal/model"
)

// ErrKeyCollision is returned in strict mode when two feed events derive the
// same match key.
var ErrKeyCollision = errors.New("match key collision")

// Options tune the planner.
type Options struct {
	// DescriptionLimit is forwarded to the Differ.
	DescriptionLimit int

	// StrictCollisions turns a feed-side key collision into an error instead
	// of keeping the first event.
	StrictCollisions bool
}

// Summary counts the outcome of a plan.
type Summary struct {
	Sources   int `json:"sources"`
	Targets   int `json:"targets"`
	Creates   int `json:"creates"`
	Updates   int `json:"updates"`
	Unchanged int `json:"unchanged"`
	Deletes   int `json:"deletes"`

	SourceCollisions int `json:"source_collisions"`
	TargetCollisions int `json:"target_collisions"`
}

// Plan is the complete result of one reconciliation.
type Plan struct {
	Intents []model.Intent
	Summary Summary
	// Changes lists, per updated key, the names of the fields that differ.
	Changes map[string][]string
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Intents) == 0
}

// Planner classifies every key into create, update, unchanged or delete.
type Planner struct {
	opts   Options
	differ Differ
}

func NewPlanner(opts Options) *Planner {
	return &Planner{
		opts:   opts,
		differ: Differ{DescriptionLimit: opts.DescriptionLimit},
	}
}

// Plan reconciles sources against targets. It returns either a complete
// plan or an error; never a partial plan. Intents are ordered by key, then
// creates and updates before deletes, which keeps output reproducible;
// consumers may reorder freely.
func (p *Planner) Plan(sources []model.SourceEvent, targets []model.TargetEvent) (*Plan, error) {
	plan := &Plan{
		Summary: Summary{Sources: len(sources), Targets: len(targets)},
		Changes: make(map[string][]string),
	}

	sourceByKey := make(map[string]model.SourceEvent, len(sources))
	for _, ev := range sources {
		key, err := SourceKey(ev)
		if err != nil {
			return nil, fmt.Errorf("derive source key: %w", err)
		}
		if _, dup := sourceByKey[key]; dup {
			if p.opts.StrictCollisions {
				return nil, fmt.Errorf("%w: %q", ErrKeyCollision, key)
			}
			plan.Summary.SourceCollisions++
			appLog.Debug("duplicate source key, keeping first", "key", key)
			continue
		}
		sourceByKey[key] = ev
	}

	targetByKey := make(map[string]model.TargetEvent, len(targets))
	for _, ev := range targets {
		key, err := TargetKey(ev)
		if err != nil {
			return nil, fmt.Errorf("derive target key for %s: %w", ev.ID, err)
		}
		if _, dup := targetByKey[key]; dup {
			// The extra copy is left alone; it is not deleted either.
			plan.Summary.TargetCollisions++
			appLog.Debug("duplicate target key, keeping first", "key", key, "id", ev.ID)
			continue
		}
		targetByKey[key] = ev
	}

	for _, key := range sortedKeys(sourceByKey) {
		src := sourceByKey[key]
		tgt, ok := targetByKey[key]
		if !ok {
			fields, err := FieldsFor(src)
			if err != nil {
				return nil, fmt.Errorf("build fields for %q: %w", key, err)
			}
			plan.Intents = append(plan.Intents, model.NewCreate(key, src, fields))
			plan.Summary.Creates++
			continue
		}

		needsUpdate, fields, changed, err := p.differ.Diff(tgt, src)
		if err != nil {
			return nil, fmt.Errorf("diff %q: %w", key, err)
		}
		if !needsUpdate {
			plan.Summary.Unchanged++
			continue
		}
		plan.Intents = append(plan.Intents, model.NewUpdate(key, tgt.ID, fields))
		plan.Changes[key] = changed
		plan.Summary.Updates++
	}

	for _, key := range sortedKeys(targetByKey) {
		if _, ok := sourceByKey[key]; ok {
			continue
		}
		plan.Intents = append(plan.Intents, model.NewDelete(key, targetByKey[key].ID))
		plan.Summary.Deletes++
	}

	return plan, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
