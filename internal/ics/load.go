package ics

import (
	"context"
	"fmt"
	"time"

	appLog "icssync/internal/log"
	"icssync/internal/model"
)

// LoadStats summarizes one LoadSourceEvents call.
type LoadStats struct {
	FromCache bool       `json:"from_cache"`
	Parse     ParseStats `json:"parse"`
	Invalid   int        `json:"invalid"`
	Excluded  int        `json:"excluded"`
	Loaded    int        `json:"loaded"`
}

// Loader produces the validated, filtered source event list for a feed.
type Loader struct {
	Fetcher     *Fetcher
	Source      Source
	DefaultZone *time.Location
	Exclusions  ExclusionPolicy
}

// LoadSourceEvents fetches, parses, validates and filters the feed. Invalid
// events are logged and dropped; only fetch and whole-document parse
// failures are errors.
func (l *Loader) LoadSourceEvents(ctx context.Context) ([]model.SourceEvent, LoadStats, error) {
	var stats LoadStats

	res, err := l.Fetcher.FetchOne(ctx, l.Source)
	if err != nil {
		return nil, stats, fmt.Errorf("fetch feed %s: %w", l.Source.ID, err)
	}
	stats.FromCache = res.FromCache

	parsed, pstats, err := ParseICS(l.Source, res.Body, l.DefaultZone)
	stats.Parse = pstats
	if err != nil {
		return nil, stats, fmt.Errorf("parse feed %s: %w", l.Source.ID, err)
	}

	valid := make([]model.SourceEvent, 0, len(parsed))
	for _, ev := range parsed {
		if err := Validate(ev); err != nil {
			stats.Invalid++
			appLog.Error("dropping invalid event", err, "id", l.Source.ID, "uid", ev.UID)
			continue
		}
		valid = append(valid, ev)
	}

	kept, dropped := l.Exclusions.Apply(valid)
	stats.Excluded = dropped
	stats.Loaded = len(kept)

	appLog.Info("source events loaded",
		"id", l.Source.ID,
		"loaded", stats.Loaded,
		"invalid", stats.Invalid,
		"excluded", stats.Excluded,
		"from_cache", stats.FromCache,
	)
	return kept, stats, nil
}
