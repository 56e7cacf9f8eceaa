// Package temporal turns iCalendar date and date-time values into
// model.TemporalPoint values and derives their canonical forms for matching,
// recurrence comparison and writing to the target store.
package temporal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "icssync/internal/log"
	"icssync/internal/model"
)

const (
	icsDate        = "20060102"
	icsDateTime    = "20060102T150405"
	icsDateTimeUTC = "20060102T150405Z"

	// KeyLayout renders instants in match keys: fixed precision, UTC,
	// locale-invariant.
	KeyLayout = "2006-01-02 15:04:05Z"

	// UTCZone is the identifier written when no usable zone exists.
	UTCZone = "UTC"
)

// ErrInvalidPoint is returned for a TemporalPoint that is neither a civil
// date nor an instant.
var ErrInvalidPoint = errors.New("temporal point is neither a date nor an instant")

// ParseValue parses an iCalendar DATE or DATE-TIME value.
//
//   - "20250310" yields a civil date.
//   - "20250310T090000Z" yields an instant in UTC with zone "UTC".
//   - "20250310T090000" is a wall clock in tzid, or in fallback when tzid is
//     empty (floating time). The offset is the one in force at that wall
//     clock, so DST transitions are honoured.
//
// An unresolvable tzid degrades to UTC and is logged; it is not an error.
// Only a malformed value is an error.
func ParseValue(value, tzid string, fallback *time.Location) (model.TemporalPoint, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return model.TemporalPoint{}, errors.New("empty date-time value")

	case !strings.Contains(value, "T"):
		t, err := time.Parse(icsDate, value)
		if err != nil {
			return model.TemporalPoint{}, fmt.Errorf("parse date %q: %w", value, err)
		}
		return model.DateOf(t), nil

	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse(icsDateTimeUTC, value)
		if err != nil {
			return model.TemporalPoint{}, fmt.Errorf("parse utc date-time %q: %w", value, err)
		}
		return model.NewInstant(t, UTCZone), nil
	}

	wall, err := time.Parse(icsDateTime, value)
	if err != nil {
		return model.TemporalPoint{}, fmt.Errorf("parse date-time %q: %w", value, err)
	}

	loc, zone := resolveZone(tzid, fallback)
	return model.NewInstant(AtWallClock(wall, loc), zone), nil
}

// resolveZone picks the location for a wall-clock value and the identifier
// to carry alongside it.
func resolveZone(tzid string, fallback *time.Location) (*time.Location, string) {
	if strings.TrimSpace(tzid) != "" {
		loc, name, err := LoadZone(tzid)
		if err == nil {
			return loc, name
		}
		appLog.Warn("unresolvable timezone, using UTC", "tzid", tzid, "err", err.Error())
		return time.UTC, UTCZone
	}
	if fallback == nil {
		return time.UTC, UTCZone
	}
	return fallback, fallback.String()
}

// AtWallClock interprets the wall clock of wall (its location is ignored) in
// loc. For a wall clock that occurs twice on a fall-back day, the earlier
// instant, i.e. the pre-transition offset, is returned.
func AtWallClock(wall time.Time, loc *time.Location) time.Time {
	t := time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc)

	// time.Date does not document which offset wins for ambiguous wall
	// clocks. Probe the offset an hour earlier: if it also maps to the same
	// wall clock, that instant comes first.
	_, off := t.Zone()
	_, prevOff := t.Add(-time.Hour).Zone()
	if prevOff != off {
		earlier := t.Add(time.Duration(off-prevOff) * time.Second)
		if earlier.Before(t) && sameWallClock(earlier.In(loc), t) {
			return earlier
		}
	}
	return t
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

// Canonicalize returns the form of p used for matching and writing.
// All-day events use civil dates: an instant is reduced to the date of its
// wall clock in its own zone, dropping any time of day. Timed events use
// instants: a civil date becomes midnight UTC.
func Canonicalize(p model.TemporalPoint, allDay bool) (model.TemporalPoint, error) {
	switch {
	case p.IsZero():
		return model.TemporalPoint{}, ErrInvalidPoint

	case allDay && p.IsDate():
		return p, nil

	case allDay:
		return model.DateOf(p.Instant().In(zoneOf(p))), nil

	case p.IsDate():
		return model.NewInstant(p.Instant(), UTCZone), nil

	default:
		return p, nil
	}
}

func zoneOf(p model.TemporalPoint) *time.Location {
	if p.Zone() == "" {
		return time.UTC
	}
	loc, _, err := LoadZone(p.Zone())
	if err != nil {
		return time.UTC
	}
	return loc
}

// KeyString renders p for a match key: YYYY-MM-DD for all-day, otherwise
// the UTC instant in KeyLayout.
func KeyString(p model.TemporalPoint, allDay bool) (string, error) {
	c, err := Canonicalize(p, allDay)
	if err != nil {
		return "", err
	}
	if allDay {
		return c.Date(), nil
	}
	return c.Instant().Format(KeyLayout), nil
}

// ExdateString renders p as an EXDATE value in UTC: yyyyMMdd for all-day
// events, yyyyMMddTHHmmssZ otherwise.
func ExdateString(p model.TemporalPoint, allDay bool) (string, error) {
	c, err := Canonicalize(p, allDay)
	if err != nil {
		return "", err
	}
	if allDay {
		return c.Instant().Format(icsDate), nil
	}
	return c.Instant().Format(icsDateTimeUTC), nil
}
