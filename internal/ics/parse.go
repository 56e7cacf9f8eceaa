package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/dylanmei/iso8601"

	appLog "icssync/internal/log"
	"icssync/internal/model"
	"icssync/internal/temporal"
)

const propRecurrenceID = "RECURRENCE-ID"

// ParseStats counts what ParseICS did with each VEVENT.
type ParseStats struct {
	Events    int // VEVENTs seen
	Parsed    int // turned into SourceEvents
	Overrides int // skipped RECURRENCE-ID instances
	Failed    int // skipped because they could not be parsed
}

// ParseICS parses a single ICS payload into source events.
//
//   - DTSTART/DTEND/EXDATE values are resolved with their own TZID, mapped
//     from Windows names where needed. Floating values use the calendar's
//     X-WR-TIMEZONE, else defaultZone.
//   - A missing DTEND is derived from DURATION, else one day for all-day
//     events and zero length otherwise.
//   - VEVENTs carrying RECURRENCE-ID are single-occurrence overrides of a
//     series; only series masters are synchronized, so they are skipped.
//   - A VEVENT that cannot be parsed is logged and skipped.
func ParseICS(src Source, body []byte, defaultZone *time.Location) ([]model.SourceEvent, ParseStats, error) {
	var stats ParseStats
	if len(body) == 0 {
		return nil, stats, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, stats, err
	}

	fallback := calendarZone(cal, defaultZone)

	events := make([]model.SourceEvent, 0)
	for _, ve := range cal.Events() {
		stats.Events++
		if ve.GetProperty(propRecurrenceID) != nil {
			stats.Overrides++
			continue
		}
		ev, perr := parseVEvent(ve, fallback)
		if perr != nil {
			stats.Failed++
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "uid", ev.UID)
			continue
		}
		stats.Parsed++
		events = append(events, ev)
	}

	appLog.Info("ics parse completed",
		"id", src.ID,
		"url", redactURL(src.URL),
		"event_count", len(events),
		"overrides_skipped", stats.Overrides,
		"failed", stats.Failed,
	)
	return events, stats, nil
}

// calendarZone returns the location named by X-WR-TIMEZONE, or def.
func calendarZone(cal *ical.Calendar, def *time.Location) *time.Location {
	for _, p := range cal.CalendarProperties {
		if !strings.EqualFold(p.IANAToken, "X-WR-TIMEZONE") {
			continue
		}
		loc, _, err := temporal.LoadZone(p.Value)
		if err != nil {
			appLog.Warn("ignoring unresolvable X-WR-TIMEZONE", "tzid", p.Value)
			break
		}
		return loc
	}
	if def == nil {
		return time.UTC
	}
	return def
}

func parseVEvent(ve *ical.VEvent, fallback *time.Location) (model.SourceEvent, error) {
	var out model.SourceEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	// VALUE=DATE or no 'T' in the value -> all-day
	out.AllDay = isDateValue(dtStart.ICalParameters) || !strings.Contains(dtStart.Value, "T")

	start, err := parsePoint(dtStart.Value, dtStart.ICalParameters, fallback)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start

	end, err := parseEnd(ve, start, out.AllDay, fallback)
	if err != nil {
		return out, err
	}
	out.End = end

	for _, p := range ve.GetProperties(ical.ComponentPropertyRrule) {
		if rule := strings.TrimSpace(p.Value); rule != "" {
			out.RRules = append(out.RRules, rule)
		}
	}

	// EXDATE can appear multiple times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			ex, err := parsePoint(part, p.ICalParameters, fallback)
			if err != nil {
				appLog.Warn("skipping unparseable EXDATE", "uid", out.UID, "value", part)
				continue
			}
			out.ExDates = append(out.ExDates, ex)
		}
	}

	return out, nil
}

func parseEnd(ve *ical.VEvent, start model.TemporalPoint, allDay bool, fallback *time.Location) (model.TemporalPoint, error) {
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		end, err := parsePoint(p.Value, p.ICalParameters, fallback)
		if err != nil {
			return model.TemporalPoint{}, fmt.Errorf("DTEND: %w", err)
		}
		return end, nil
	}

	var days int
	var exact time.Duration
	if p := ve.GetProperty(ical.ComponentPropertyDuration); p != nil {
		d, x, err := parseDuration(p.Value)
		if err != nil {
			return model.TemporalPoint{}, fmt.Errorf("DURATION %q: %w", p.Value, err)
		}
		days, exact = d, x
	} else if allDay {
		days = 1
	}

	if start.IsDate() {
		days += int(exact / (24 * time.Hour))
		if days < 1 {
			days = 1
		}
		return model.DateOf(start.Instant().AddDate(0, 0, days)), nil
	}
	// Days are nominal: they keep the wall clock across DST changes.
	wall := start.Instant().In(pointLocation(start))
	return model.NewInstant(wall.AddDate(0, 0, days).Add(exact), start.Zone()), nil
}

// parseDuration splits an RFC 5545 duration into nominal days (weeks and
// days) and the exact hours, minutes and seconds that follow the 'T'.
func parseDuration(value string) (int, time.Duration, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "+")
	datePart, timePart, hasTime := strings.Cut(value, "T")

	var days int
	if datePart != "P" {
		d, err := iso8601.ParseDuration(datePart)
		if err != nil {
			return 0, 0, err
		}
		days = int(d / (24 * time.Hour))
	}

	var exact time.Duration
	if hasTime {
		d, err := iso8601.ParseDuration("PT" + timePart)
		if err != nil {
			return 0, 0, err
		}
		exact = d
	}
	return days, exact, nil
}

// pointLocation is the zone p was authored in, UTC when it has none or
// cannot be loaded.
func pointLocation(p model.TemporalPoint) *time.Location {
	if !p.IsInstant() || p.Zone() == "" {
		return time.UTC
	}
	loc, _, err := temporal.LoadZone(p.Zone())
	if err != nil {
		return time.UTC
	}
	return loc
}

func parsePoint(value string, params map[string][]string, fallback *time.Location) (model.TemporalPoint, error) {
	value = strings.TrimSpace(value)
	if isDateValue(params) && len(value) > 8 {
		value = value[:8]
	}
	return temporal.ParseValue(value, param(params, "TZID"), fallback)
}

func isDateValue(params map[string][]string) bool {
	return strings.EqualFold(param(params, "VALUE"), "DATE")
}

func param(params map[string][]string, name string) string {
	for k, vs := range params {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return strings.Trim(vs[0], `"`)
		}
	}
	return ""
}
