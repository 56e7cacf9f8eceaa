package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "icssync/internal/log"
	"icssync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.UTC is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records titles that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences expands source events into concrete occurrences within
// the configured window. It is used for plan previews only; the store
// receives series masters with their recurrence lines, never expansions.
//
// Recurring events are expanded in the zone they were authored in, so a
// weekly 09:00 meeting stays at 09:00 across DST changes.
func ExpandOccurrences(events []model.SourceEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	for _, ev := range events {
		occ, hitCap := expandEvent(ev, cfg)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.Title)
			appLog.Warn("expand: truncated occurrences due to cap",
				"uid", ev.UID,
				"title", ev.Title,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		result.Occurrences = append(result.Occurrences, occ...)
	}
	return result, nil
}

// NextOccurrence returns the first occurrence of ev starting at or after
// from, looking at most horizon ahead.
func NextOccurrence(ev model.SourceEvent, from time.Time, horizon time.Duration) (model.Occurrence, bool) {
	if horizon < 0 {
		return model.Occurrence{}, false
	}
	occ, _ := expandEvent(ev, ExpandConfig{
		DisplayLocation:        from.Location(),
		RangeStart:             from,
		RangeEnd:               from.Add(horizon),
		MaxOccurrencesPerEvent: 1,
	})
	if len(occ) == 0 {
		return model.Occurrence{}, false
	}
	return occ[0], true
}

func expandEvent(ev model.SourceEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	loc := eventLocation(ev)
	start := pointIn(ev.Start, loc)
	end := pointIn(ev.End, loc)
	if end.Before(start) {
		end = start
	}

	if len(ev.RRules) == 0 {
		if !timeRangesOverlap(start, end, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		return []model.Occurrence{makeOccurrence(ev, start, end, cfg.DisplayLocation)}, false
	}

	var set rrule.Set
	for _, raw := range ev.RRules {
		r, err := rrule.StrToRRule(raw)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", raw)
			return nil, false
		}
		r.DTStart(start)
		set.RRule(r)
	}
	set.DTStart(start)
	for _, ex := range ev.ExDates {
		set.ExDate(pointIn(ex, loc))
	}

	// Widen the window by the event length so occurrences that started
	// before RangeStart but are still running are included.
	dur := end.Sub(start)
	occTimes := set.Between(cfg.RangeStart.Add(-dur).In(loc), cfg.RangeEnd.In(loc), true)

	out := make([]model.Occurrence, 0, len(occTimes))
	hitCap := false
	for _, occStart := range occTimes {
		occEnd := occStart.Add(dur)
		if ev.AllDay {
			occEnd = occStart.AddDate(0, 0, int(dur/(24*time.Hour)))
		}
		if !timeRangesOverlap(occStart, occEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		if len(out) == cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}
		out = append(out, makeOccurrence(ev, occStart, occEnd, cfg.DisplayLocation))
	}
	return out, hitCap
}

// eventLocation is the zone the event's wall clock was authored in.
func eventLocation(ev model.SourceEvent) *time.Location {
	if ev.AllDay {
		return time.UTC
	}
	return pointLocation(ev.Start)
}

// pointIn returns p as a time in loc. A civil date becomes midnight of
// that date in loc.
func pointIn(p model.TemporalPoint, loc *time.Location) time.Time {
	t := p.Instant()
	if p.IsDate() {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
	return t.In(loc)
}

// makeOccurrence builds a model.Occurrence normalized into displayLoc.
// All-day occurrences keep their civil date regardless of displayLoc.
func makeOccurrence(ev model.SourceEvent, start, end time.Time, displayLoc *time.Location) model.Occurrence {
	if !ev.AllDay {
		start = start.In(displayLoc)
		end = end.In(displayLoc)
	}
	return model.Occurrence{
		Title:  ev.Title,
		Start:  start,
		End:    end,
		AllDay: ev.AllDay,
	}
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
