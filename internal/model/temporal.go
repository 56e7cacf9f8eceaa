package model

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

type pointKind uint8

const (
	kindInvalid pointKind = iota
	kindDate
	kindInstant
)

// TemporalPoint is either a civil date without time of day, or an instant
// (held in UTC) together with the zone identifier it originated from.
// The zero value is neither and is rejected by the normalizer.
type TemporalPoint struct {
	kind pointKind
	t    time.Time
	zone string
}

// NewDate returns a civil-date point.
func NewDate(year int, month time.Month, day int) TemporalPoint {
	return TemporalPoint{kind: kindDate, t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the civil date of t's wall clock in its own location.
func DateOf(t time.Time) TemporalPoint {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (TemporalPoint, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TemporalPoint{}, fmt.Errorf("parse civil date %q: %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

// NewInstant returns an instant point. zone is the originating zone
// identifier and may be empty when the source did not carry one.
func NewInstant(t time.Time, zone string) TemporalPoint {
	return TemporalPoint{kind: kindInstant, t: t.UTC(), zone: zone}
}

func (p TemporalPoint) IsZero() bool    { return p.kind == kindInvalid }
func (p TemporalPoint) IsDate() bool    { return p.kind == kindDate }
func (p TemporalPoint) IsInstant() bool { return p.kind == kindInstant }

// Date formats the civil date as YYYY-MM-DD. For an instant it returns the
// UTC date.
func (p TemporalPoint) Date() string {
	if p.kind == kindInvalid {
		return ""
	}
	return p.t.Format(DateLayout)
}

// Instant returns the UTC instant. A civil date yields midnight UTC.
func (p TemporalPoint) Instant() time.Time {
	return p.t
}

// Zone returns the originating zone identifier of an instant.
func (p TemporalPoint) Zone() string {
	return p.zone
}

// Equal reports whether both points have the same kind, the same date or
// instant, and the same zone identifier.
func (p TemporalPoint) Equal(o TemporalPoint) bool {
	if p.kind != o.kind {
		return false
	}
	switch p.kind {
	case kindDate:
		return p.t.Equal(o.t)
	case kindInstant:
		return p.t.Equal(o.t) && p.zone == o.zone
	default:
		return true
	}
}

func (p TemporalPoint) String() string {
	switch p.kind {
	case kindDate:
		return p.Date()
	case kindInstant:
		if p.zone == "" {
			return p.t.Format(time.RFC3339)
		}
		return p.t.Format(time.RFC3339) + "[" + p.zone + "]"
	default:
		return "<invalid>"
	}
}
