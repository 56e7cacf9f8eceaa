package model

import "time"

// SourceEvent is one VEVENT from the feed after parsing and validation.
// It is never modified once built.
type SourceEvent struct {
	UID string // iCalendar UID, informational only

	Title       string
	Description string
	Location    string

	Start  TemporalPoint
	End    TemporalPoint
	AllDay bool

	// RRules holds rule bodies without the "RRULE:" prefix, in feed order.
	RRules  []string
	ExDates []TemporalPoint
}

// TargetEvent is an event as listed from the target store.
type TargetEvent struct {
	ID       string // store-assigned, never rewritten
	SeriesID string // set when the event belongs to a recurring series

	Title       string
	Description string
	Location    string

	Start TemporalPoint
	End   TemporalPoint

	// Recurrence lines as the store reports them, e.g. "RRULE:FREQ=DAILY".
	Recurrence []string
}

// AllDay reports whether the store holds this event with date-only times.
func (e TargetEvent) AllDay() bool {
	return e.Start.IsDate()
}

// EventFields is the full mutable field set written to the store on create
// or update. Partial updates are not supported.
type EventFields struct {
	Title       string
	Description string
	Location    string

	Start  TemporalPoint
	End    TemporalPoint
	AllDay bool

	Recurrence []string
}

// Occurrence is a single concrete instance of an event, used by the plan
// preview to show when a created or updated event first happens.
type Occurrence struct {
	Title  string
	Start  time.Time
	End    time.Time
	AllDay bool
}
