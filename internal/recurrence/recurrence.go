// Package recurrence builds the recurrence lines written to the target store
// and compares recurrence sets independent of clause order and of the
// timezone notation used for EXDATE values.
package recurrence

import (
	"sort"
	"strings"

	appLog "icssync/internal/log"
	"icssync/internal/model"
	"icssync/internal/temporal"
)

const (
	rrulePrefix  = "RRULE:"
	exdatePrefix = "EXDATE;VALUE=DATE:"
)

// Build returns the recurrence lines for a source event: one "RRULE:<rule>"
// per rule, unmodified, followed by a single EXDATE line with every
// exception date in UTC when there are any.
func Build(rrules []string, exdates []model.TemporalPoint, allDay bool) []string {
	out := make([]string, 0, len(rrules)+1)
	for _, r := range rrules {
		out = append(out, rrulePrefix+r)
	}
	if line := ExdateLine(exdates, allDay); line != "" {
		out = append(out, line)
	}
	return out
}

// ExdateLine formats exception dates as "EXDATE;VALUE=DATE:<a>,<b>,...".
// Points that cannot be formatted are skipped. It returns "" when nothing
// remains.
func ExdateLine(exdates []model.TemporalPoint, allDay bool) string {
	values := make([]string, 0, len(exdates))
	for _, p := range exdates {
		s, err := temporal.ExdateString(p, allDay)
		if err != nil {
			appLog.Warn("skipping invalid exception date", "err", err.Error())
			continue
		}
		values = append(values, s)
	}
	if len(values) == 0 {
		return ""
	}
	return exdatePrefix + strings.Join(values, ",")
}

// Line is one recurrence line split into its parts.
type Line struct {
	Name   string   // RRULE, EXDATE, RDATE, ...
	Params []string // "TZID=Europe/Berlin", "VALUE=DATE", ...
	Value  string
}

// ParseLine splits "NAME;P1;P2:VALUE". A line without ':' is returned with
// the whole text as its value and an empty name.
func ParseLine(s string) Line {
	head, value, ok := strings.Cut(s, ":")
	if !ok {
		return Line{Value: s}
	}
	parts := strings.Split(head, ";")
	return Line{Name: strings.ToUpper(parts[0]), Params: parts[1:], Value: value}
}

// Param returns the value of parameter name, case-insensitively.
func (l Line) Param(name string) (string, bool) {
	for _, p := range l.Params {
		k, v, ok := strings.Cut(p, "=")
		if ok && strings.EqualFold(k, name) {
			return strings.Trim(v, `"`), true
		}
	}
	return "", false
}

func (l Line) String() string {
	var b strings.Builder
	b.WriteString(l.Name)
	for _, p := range l.Params {
		b.WriteByte(';')
		b.WriteString(p)
	}
	b.WriteByte(':')
	b.WriteString(l.Value)
	return b.String()
}

// Canonical returns the comparison form of a recurrence line.
//
// An EXDATE carrying TZID is first re-expressed in UTC, using that zone's
// offset at each date, in the same form Build produces. Then parameters and
// value clauses are sorted: RRULE values are ';'-separated clauses, EXDATE
// and RDATE values are ','-separated dates. allDay selects the EXDATE form
// the same way Build does, whatever form the stored values use.
func Canonical(s string, allDay bool) string {
	s = strings.TrimSpace(s)
	l := ParseLine(s)
	if l.Name == "" {
		return sortJoin(strings.Split(s, ";"), ";")
	}

	if l.Name == "EXDATE" {
		if tzid, ok := l.Param("TZID"); ok {
			l = exdateToUTC(l, tzid, allDay)
		}
	}

	params := append([]string(nil), l.Params...)
	sort.Strings(params)

	sep := ";"
	if l.Name == "EXDATE" || l.Name == "RDATE" {
		sep = ","
	}
	return Line{
		Name:   l.Name,
		Params: params,
		Value:  sortJoin(strings.Split(l.Value, sep), sep),
	}.String()
}

// exdateToUTC rewrites an EXDATE;TZID=... line to EXDATE;VALUE=DATE:<utc>.
// Values that cannot be parsed are kept verbatim so that a mismatch still
// shows up as a difference.
func exdateToUTC(l Line, tzid string, allDay bool) Line {
	parts := strings.Split(l.Value, ",")
	out := make([]string, 0, len(parts))
	for _, v := range parts {
		v = strings.TrimSpace(v)
		p, err := temporal.ParseValue(v, tzid, nil)
		if err != nil {
			out = append(out, v)
			continue
		}
		s, err := temporal.ExdateString(p, allDay)
		if err != nil {
			out = append(out, v)
			continue
		}
		out = append(out, s)
	}
	return Line{Name: "EXDATE", Params: []string{"VALUE=DATE"}, Value: strings.Join(out, ",")}
}

func sortJoin(parts []string, sep string) string {
	cp := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cp = append(cp, p)
		}
	}
	sort.Strings(cp)
	return strings.Join(cp, sep)
}

// CanonicalSet returns the set of canonical forms of lines.
func CanonicalSet(lines []string, allDay bool) map[string]struct{} {
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		set[Canonical(l, allDay)] = struct{}{}
	}
	return set
}

// Equal reports whether two recurrence sets describe the same recurrence:
// either both are empty, or their canonical sets have the same size and
// members. Duplicates collapse. allDay is the event's all-day flag.
func Equal(a, b []string, allDay bool) bool {
	sa, sb := CanonicalSet(a, allDay), CanonicalSet(b, allDay)
	if (len(sa) == 0) != (len(sb) == 0) {
		return false
	}
	if len(sa) != len(sb) {
		return false
	}
	for k := range sa {
		if _, ok := sb[k]; !ok {
			return false
		}
	}
	return true
}
