// Package caldav is the CalDAV target store.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	dac "github.com/Snawoot/go-http-digest-auth-client"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	webcaldav "github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"icssync/internal/dispatch"
	appLog "icssync/internal/log"
	"icssync/internal/model"
	"icssync/internal/recurrence"
	"icssync/internal/temporal"
)

const prodID = "-//icssync//EN"

// Auth modes.
const (
	AuthBasic  = "basic"
	AuthDigest = "digest"
)

// Config points at one calendar collection.
type Config struct {
	// Endpoint is the server root, e.g. https://dav.example.com/.
	Endpoint string
	// Calendar is either the collection path or the display name of one of
	// the user's calendars.
	Calendar string
	Username string
	Password string
	// Auth is AuthBasic (default) or AuthDigest.
	Auth string
}

// Store lists and mutates the events of one CalDAV collection.
type Store struct {
	client       *webcaldav.Client
	calendarPath string

	mu   sync.Mutex
	uids map[string]string // object path -> UID, refreshed by ListEvents
}

// New connects to the server and resolves the calendar collection.
func New(ctx context.Context, cfg Config, hc *http.Client) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("caldav: endpoint is empty")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	var httpClient webdav.HTTPClient = hc
	switch strings.ToLower(cfg.Auth) {
	case AuthDigest:
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		httpClient = &http.Client{
			Timeout:   hc.Timeout,
			Transport: dac.NewDigestTransport(cfg.Username, cfg.Password, base),
		}
	case AuthBasic, "":
		if cfg.Username != "" {
			httpClient = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
		}
	default:
		return nil, fmt.Errorf("caldav: unknown auth mode %q", cfg.Auth)
	}

	client, err := webcaldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav: create client: %w", err)
	}

	calPath := cfg.Calendar
	if !strings.HasPrefix(calPath, "/") {
		calPath, err = findCalendar(ctx, client, cfg.Calendar)
		if err != nil {
			return nil, err
		}
	}
	if !strings.HasSuffix(calPath, "/") {
		calPath += "/"
	}

	return &Store{client: client, calendarPath: calPath, uids: make(map[string]string)}, nil
}

// findCalendar resolves a calendar display name to its collection path.
func findCalendar(ctx context.Context, client *webcaldav.Client, name string) (string, error) {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("caldav: find principal: %w", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("caldav: find calendar home set: %w", err)
	}
	calendars, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("caldav: find calendars: %w", err)
	}
	for _, c := range calendars {
		if c.Name == name {
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("caldav: no calendar named %q", name)
}

// Name identifies the backend in logs and the run ledger.
func (s *Store) Name() string { return "caldav:" + s.calendarPath }

// ListEvents returns the series master of every calendar object.
func (s *Store) ListEvents(ctx context.Context) ([]model.TargetEvent, error) {
	query := &webcaldav.CalendarQuery{
		CompRequest: webcaldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: webcaldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []webcaldav.CompFilter{{Name: ical.CompEvent}},
		},
	}
	objects, err := s.client.QueryCalendar(ctx, s.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", dispatch.NewError(dispatch.ClassTransient, err))
	}

	uids := make(map[string]string, len(objects))
	out := make([]model.TargetEvent, 0, len(objects))
	skipped := 0
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		master := masterEvent(obj.Data)
		if master == nil {
			skipped++
			continue
		}
		ev, err := toTarget(obj.Path, master)
		if err != nil {
			skipped++
			appLog.Warn("skipping unreadable store event", "path", obj.Path, "error", err.Error())
			continue
		}
		if uid, err := master.Props.Text(ical.PropUID); err == nil && uid != "" {
			uids[obj.Path] = uid
		}
		out = append(out, ev)
	}

	s.mu.Lock()
	s.uids = uids
	s.mu.Unlock()

	appLog.Info("store events listed", "store", s.Name(), "count", len(out), "skipped", skipped)
	return out, nil
}

// Execute applies one intent.
func (s *Store) Execute(ctx context.Context, in model.Intent) error {
	switch in.Kind {
	case model.IntentCreate:
		uid := uuid.NewString()
		return s.put(ctx, path.Join(s.calendarPath, uid+".ics"), uid, in.Fields)
	case model.IntentUpdate:
		return s.put(ctx, in.TargetID, s.uidFor(in.TargetID), in.Fields)
	case model.IntentDelete:
		err := s.client.RemoveAll(ctx, in.TargetID)
		if err != nil {
			if code := statusOf(err); code == http.StatusNotFound || code == http.StatusGone {
				appLog.Debug("event already deleted", "path", in.TargetID)
				return nil
			}
			return classify(err)
		}
		return nil
	default:
		return dispatch.NewError(dispatch.ClassPermanent, fmt.Errorf("unknown intent kind %q", in.Kind))
	}
}

func (s *Store) put(ctx context.Context, objPath, uid string, f model.EventFields) error {
	cal, err := toCalendar(uid, f, time.Now())
	if err != nil {
		return dispatch.NewError(dispatch.ClassPermanent, err)
	}
	if _, err := s.client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return classify(err)
	}
	return nil
}

// uidFor keeps the UID of an existing object; servers reject a PUT that
// changes it.
func (s *Store) uidFor(objPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uid, ok := s.uids[objPath]; ok {
		return uid
	}
	return strings.TrimSuffix(path.Base(objPath), ".ics")
}

var statusPattern = regexp.MustCompile(`\b([1-5][0-9]{2})\b`)

// statusOf extracts the HTTP status the client reported in err, or 0.
func statusOf(err error) int {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch code := statusOf(err); {
	case code == http.StatusTooManyRequests:
		return dispatch.NewError(dispatch.ClassThrottled, err)
	case code >= 400 && code < 500:
		return dispatch.NewError(dispatch.ClassPermanent, err)
	default:
		return dispatch.NewError(dispatch.ClassTransient, err)
	}
}

// masterEvent returns the VEVENT without RECURRENCE-ID, or the first VEVENT.
func masterEvent(cal *ical.Calendar) *ical.Component {
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if first == nil {
			first = child
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
	}
	return first
}

func toTarget(objPath string, comp *ical.Component) (model.TargetEvent, error) {
	start, err := readPoint(comp.Props.Get(ical.PropDateTimeStart))
	if err != nil {
		return model.TargetEvent{}, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := readPoint(comp.Props.Get(ical.PropDateTimeEnd))
	if err != nil {
		return model.TargetEvent{}, fmt.Errorf("DTEND: %w", err)
	}

	ev := model.TargetEvent{
		ID:          objPath,
		Title:       textProp(comp, ical.PropSummary),
		Description: textProp(comp, ical.PropDescription),
		Location:    textProp(comp, ical.PropLocation),
		Start:       start,
		End:         end,
	}

	for _, p := range comp.Props.Values(ical.PropRecurrenceRule) {
		ev.Recurrence = append(ev.Recurrence, "RRULE:"+p.Value)
	}
	for _, p := range comp.Props.Values(ical.PropRecurrenceDates) {
		ev.Recurrence = append(ev.Recurrence, lineOf(p))
	}

	// EXDATEs are re-rendered in the same notation the sync writes, so an
	// unchanged event compares equal after a round trip.
	var exdates []model.TemporalPoint
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		tzid := p.Params.Get(ical.ParamTimezoneID)
		for _, v := range strings.Split(p.Value, ",") {
			pt, err := temporal.ParseValue(v, tzid, time.UTC)
			if err != nil {
				continue
			}
			exdates = append(exdates, pt)
		}
	}
	if line := recurrence.ExdateLine(exdates, start.IsDate()); line != "" {
		ev.Recurrence = append(ev.Recurrence, line)
	}
	return ev, nil
}

func readPoint(p *ical.Prop) (model.TemporalPoint, error) {
	if p == nil {
		return model.TemporalPoint{}, errors.New("missing")
	}
	value := p.Value
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) && len(value) > 8 {
		value = value[:8]
	}
	return temporal.ParseValue(value, p.Params.Get(ical.ParamTimezoneID), time.UTC)
}

func textProp(comp *ical.Component, name string) string {
	s, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return s
}

func lineOf(p ical.Prop) string {
	l := recurrence.Line{Name: p.Name, Value: p.Value}
	for k, vs := range p.Params {
		for _, v := range vs {
			l.Params = append(l.Params, k+"="+v)
		}
	}
	return l.String()
}

// toCalendar renders fields as a single-event VCALENDAR.
func toCalendar(uid string, f model.EventFields, now time.Time) (*ical.Calendar, error) {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ev.Props.SetText(ical.PropSummary, f.Title)
	if f.Description != "" {
		ev.Props.SetText(ical.PropDescription, f.Description)
	}
	if f.Location != "" {
		ev.Props.SetText(ical.PropLocation, f.Location)
	}

	start, err := writePoint(ical.PropDateTimeStart, f.Start)
	if err != nil {
		return nil, err
	}
	end, err := writePoint(ical.PropDateTimeEnd, f.End)
	if err != nil {
		return nil, err
	}
	ev.Props.Set(start)
	ev.Props.Set(end)

	for _, raw := range f.Recurrence {
		prop, err := recurrenceProp(raw)
		if err != nil {
			return nil, err
		}
		ev.Props.Add(prop)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, ev.Component)
	return cal, nil
}

func writePoint(name string, p model.TemporalPoint) (*ical.Prop, error) {
	prop := ical.NewProp(name)
	switch {
	case p.IsDate():
		prop.SetDate(p.Instant())
	case p.IsInstant():
		loc := time.UTC
		if z := p.Zone(); z != "" && z != temporal.UTCZone {
			l, _, err := temporal.LoadZone(z)
			if err == nil {
				loc = l
			}
		}
		prop.SetDateTime(p.Instant().In(loc))
	default:
		return nil, fmt.Errorf("%s: %w", name, temporal.ErrInvalidPoint)
	}
	return prop, nil
}

// recurrenceProp turns a stored recurrence line into a property. The
// "EXDATE;VALUE=DATE:" form used for comparison is rewritten into valid
// iCalendar: VALUE=DATE only when every value is a date.
func recurrenceProp(raw string) (*ical.Prop, error) {
	line := recurrence.ParseLine(raw)
	if line.Name == "" {
		return nil, fmt.Errorf("recurrence line without property name: %q", raw)
	}
	prop := ical.NewProp(line.Name)
	prop.Value = line.Value

	if line.Name == ical.PropExceptionDates {
		dates := true
		for _, v := range strings.Split(line.Value, ",") {
			if len(strings.TrimSpace(v)) != 8 {
				dates = false
			}
		}
		if dates {
			prop.Params.Set(ical.ParamValue, string(ical.ValueDate))
		}
		if tz, ok := line.Param(ical.ParamTimezoneID); ok {
			prop.Params.Set(ical.ParamTimezoneID, tz)
		}
		return prop, nil
	}

	for _, p := range line.Params {
		k, v, ok := strings.Cut(p, "=")
		if ok {
			prop.Params.Add(strings.ToUpper(k), strings.Trim(v, `"`))
		}
	}
	return prop, nil
}
