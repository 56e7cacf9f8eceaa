package reconcile

import (
	"fmt"

	"icssync/internal/model"
	"icssync/internal/temporal"
)

// KeySeparator joins the components of a match key. Titles are not
// escaped; the two time components never contain it.
const KeySeparator = "|"

// deriveKey is the single derivation shared by both sides. No title
// normalization happens: differently titled events never match.
func deriveKey(title string, start, end model.TemporalPoint, allDay bool) (string, error) {
	s, err := temporal.KeyString(start, allDay)
	if err != nil {
		return "", fmt.Errorf("start of %q: %w", title, err)
	}
	e, err := temporal.KeyString(end, allDay)
	if err != nil {
		return "", fmt.Errorf("end of %q: %w", title, err)
	}
	return title + KeySeparator + s + KeySeparator + e, nil
}

// SourceKey derives the match key of a feed event.
func SourceKey(ev model.SourceEvent) (string, error) {
	return deriveKey(ev.Title, ev.Start, ev.End, ev.AllDay)
}

// TargetKey derives the match key of a store event. A store event whose
// start is a civil date is all-day.
func TargetKey(ev model.TargetEvent) (string, error) {
	return deriveKey(ev.Title, ev.Start, ev.End, ev.AllDay())
}
