// Package gcal is the Google Calendar target store.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"icssync/internal/dispatch"
	appLog "icssync/internal/log"
	"icssync/internal/model"
)

const (
	listPageSize    = 2500
	statusCancelled = "cancelled"
)

// Config selects the calendar and how to authenticate.
type Config struct {
	CalendarID string
	// CredentialsFile is a service-account or authorized-user JSON file.
	CredentialsFile string
	// TokenFile holds a JSON oauth2.Token, used as a static access token.
	TokenFile string
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Store lists and mutates events of one Google calendar.
type Store struct {
	svc        *calendar.Service
	calendarID string
}

// New builds a Store from cfg. Extra client options are appended last.
func New(ctx context.Context, cfg Config, extra ...option.ClientOption) (*Store, error) {
	if cfg.CalendarID == "" {
		return nil, errors.New("gcal: calendar id is empty")
	}

	var opts []option.ClientOption
	switch {
	case cfg.TokenFile != "":
		tok, err := loadToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(tok)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, extra...)

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Store{svc: svc, calendarID: cfg.CalendarID}, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gcal: read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("gcal: decode token file: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("gcal: token file has no access_token")
	}
	return &tok, nil
}

// Name identifies the backend in logs and the run ledger.
func (s *Store) Name() string { return "google:" + s.calendarID }

// ListEvents returns every non-cancelled event of the calendar. Recurring
// series are listed as their master; a modified instance stands in for its
// series only until the master shows up, and is never listed next to it.
func (s *Store) ListEvents(ctx context.Context) ([]model.TargetEvent, error) {
	type slot struct {
		idx    int
		master bool
	}
	seen := make(map[string]slot)
	out := make([]model.TargetEvent, 0)
	skipped := 0

	call := s.svc.Events.List(s.calendarID).
		SingleEvents(false).
		ShowDeleted(false).
		MaxResults(listPageSize)

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			// Cancelled instances of a series are returned even with
			// showDeleted=false; they carry no times.
			if item.Status == statusCancelled {
				continue
			}
			master := item.RecurringEventId == ""
			series := item.RecurringEventId
			if master {
				series = item.Id
			}
			prev, dup := seen[series]
			if dup && (prev.master || !master) {
				continue
			}

			ev, err := toTarget(item)
			if err != nil {
				skipped++
				appLog.Warn("skipping unreadable store event", "id", item.Id, "error", err.Error())
				continue
			}
			if dup {
				out[prev.idx] = ev
				seen[series] = slot{idx: prev.idx, master: master}
				continue
			}
			seen[series] = slot{idx: len(out), master: master}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", classify(err))
	}

	appLog.Info("store events listed", "store", s.Name(), "count", len(out), "skipped", skipped)
	return out, nil
}

// Execute applies one intent.
func (s *Store) Execute(ctx context.Context, in model.Intent) error {
	switch in.Kind {
	case model.IntentCreate:
		_, err := s.svc.Events.Insert(s.calendarID, toGoogle(in.Fields)).Context(ctx).Do()
		return classify(err)
	case model.IntentUpdate:
		_, err := s.svc.Events.Update(s.calendarID, in.TargetID, toGoogle(in.Fields)).Context(ctx).Do()
		return classify(err)
	case model.IntentDelete:
		err := s.svc.Events.Delete(s.calendarID, in.TargetID).Context(ctx).Do()
		if isGone(err) {
			appLog.Debug("event already deleted", "id", in.TargetID)
			return nil
		}
		return classify(err)
	default:
		return dispatch.NewError(dispatch.ClassPermanent, fmt.Errorf("unknown intent kind %q", in.Kind))
	}
}

func toTarget(e *calendar.Event) (model.TargetEvent, error) {
	start, err := fromDateTime(e.Start)
	if err != nil {
		return model.TargetEvent{}, fmt.Errorf("start: %w", err)
	}
	end, err := fromDateTime(e.End)
	if err != nil {
		return model.TargetEvent{}, fmt.Errorf("end: %w", err)
	}
	return model.TargetEvent{
		ID:          e.Id,
		SeriesID:    e.RecurringEventId,
		Title:       e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       start,
		End:         end,
		Recurrence:  e.Recurrence,
	}, nil
}

func fromDateTime(dt *calendar.EventDateTime) (model.TemporalPoint, error) {
	if dt == nil {
		return model.TemporalPoint{}, errors.New("missing")
	}
	if dt.Date != "" {
		return model.ParseDate(dt.Date)
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return model.TemporalPoint{}, err
	}
	return model.NewInstant(t, dt.TimeZone), nil
}

func toGoogle(f model.EventFields) *calendar.Event {
	return &calendar.Event{
		Summary:     f.Title,
		Description: f.Description,
		Location:    f.Location,
		Start:       toDateTime(f.Start),
		End:         toDateTime(f.End),
		Recurrence:  f.Recurrence,
	}
}

func toDateTime(p model.TemporalPoint) *calendar.EventDateTime {
	if p.IsDate() {
		return &calendar.EventDateTime{Date: p.Date()}
	}
	zone := p.Zone()
	if zone == "" {
		zone = "UTC"
	}
	return &calendar.EventDateTime{
		DateTime: p.Instant().Format(time.RFC3339),
		TimeZone: zone,
	}
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusGone || gerr.Code == http.StatusNotFound
	}
	return false
}

// classify maps API errors onto dispatch classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return dispatch.NewError(dispatch.ClassTransient, err)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return dispatch.NewError(dispatch.ClassThrottled, err)
	case gerr.Code == http.StatusForbidden && rateLimited(gerr):
		return dispatch.NewError(dispatch.ClassThrottled, err)
	case gerr.Code >= 500:
		return dispatch.NewError(dispatch.ClassTransient, err)
	default:
		return dispatch.NewError(dispatch.ClassPermanent, err)
	}
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
