package caldav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icssync/internal/dispatch"
	"icssync/internal/model"
	"icssync/internal/reconcile"
)

func weeklySource() model.SourceEvent {
	return model.SourceEvent{
		Title:       "Weekly sync",
		Description: "Agenda, notes; actions",
		Location:    "Room 2",
		Start:       model.NewInstant(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC), "Europe/Berlin"),
		End:         model.NewInstant(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), "Europe/Berlin"),
		RRules:      []string{"FREQ=WEEKLY;BYDAY=MO"},
		ExDates: []model.TemporalPoint{
			model.NewInstant(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), "Europe/Berlin"),
		},
	}
}

func roundTrip(t *testing.T, f model.EventFields) model.TargetEvent {
	t.Helper()
	cal, err := toCalendar("uid-1", f, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))
	decoded, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)

	master := masterEvent(decoded)
	require.NotNil(t, master)
	ev, err := toTarget("/cal/uid-1.ics", master)
	require.NoError(t, err)
	return ev
}

func TestRoundTripIsUnchanged(t *testing.T) {
	tests := []struct {
		name string
		src  model.SourceEvent
	}{
		{"timed recurring", weeklySource()},
		{"all day", model.SourceEvent{
			Title:   "Holiday",
			Start:   model.NewDate(2025, 7, 4),
			End:     model.NewDate(2025, 7, 5),
			AllDay:  true,
			RRules:  []string{"FREQ=YEARLY"},
			ExDates: []model.TemporalPoint{model.NewDate(2026, 7, 4)},
		}},
		{"utc single", model.SourceEvent{
			Title: "Call",
			Start: model.NewInstant(time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC), "UTC"),
			End:   model.NewInstant(time.Date(2025, 3, 3, 15, 30, 0, 0, time.UTC), "UTC"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := reconcile.FieldsFor(tt.src)
			require.NoError(t, err)

			stored := roundTrip(t, fields)
			srcKey, err := reconcile.SourceKey(tt.src)
			require.NoError(t, err)
			tgtKey, err := reconcile.TargetKey(stored)
			require.NoError(t, err)
			assert.Equal(t, srcKey, tgtKey)

			needs, _, changed, err := reconcile.Differ{}.Diff(stored, tt.src)
			require.NoError(t, err)
			assert.False(t, needs, "changed: %v", changed)
		})
	}
}

func TestToCalendarWritesValidExdate(t *testing.T) {
	fields, err := reconcile.FieldsFor(weeklySource())
	require.NoError(t, err)
	cal, err := toCalendar("uid-1", fields, time.Now())
	require.NoError(t, err)

	ev := cal.Children[0]
	ex := ev.Props.Get(ical.PropExceptionDates)
	require.NotNil(t, ex)
	assert.Equal(t, "20250310T090000Z", ex.Value)
	assert.Empty(t, ex.Params.Get(ical.ParamValue))

	start := ev.Props.Get(ical.PropDateTimeStart)
	assert.Equal(t, "Europe/Berlin", start.Params.Get(ical.ParamTimezoneID))
	assert.Equal(t, "20250303T100000", start.Value)
}

func TestToTargetReadsTZIDExdates(t *testing.T) {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropSummary, "Weekly sync")
	start := ical.NewProp(ical.PropDateTimeStart)
	start.Params.Set(ical.ParamTimezoneID, "W. Europe Standard Time")
	start.Value = "20250303T100000"
	ev.Props.Set(start)
	end := ical.NewProp(ical.PropDateTimeEnd)
	end.Params.Set(ical.ParamTimezoneID, "W. Europe Standard Time")
	end.Value = "20250303T110000"
	ev.Props.Set(end)
	ex := ical.NewProp(ical.PropExceptionDates)
	ex.Params.Set(ical.ParamTimezoneID, "W. Europe Standard Time")
	ex.Value = "20250310T100000,20250407T100000"
	ev.Props.Add(ex)

	got, err := toTarget("/cal/x.ics", ev.Component)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", got.Start.Zone())
	assert.Equal(t, []string{"EXDATE;VALUE=DATE:20250310T090000Z,20250407T080000Z"}, got.Recurrence)
}

func TestRecurrencePropRejectsNamelessLine(t *testing.T) {
	_, err := recurrenceProp("FREQ=DAILY")
	require.Error(t, err)
}

func TestExecuteAgainstServer(t *testing.T) {
	var mu sync.Mutex
	puts := map[string]string{}
	var deletes []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			puts[r.URL.Path] = string(body)
			w.Header().Set("ETag", `"1"`)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			if strings.HasSuffix(r.URL.Path, "missing.ics") {
				http.NotFound(w, r)
				return
			}
			deletes = append(deletes, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	store, err := New(context.Background(), Config{Endpoint: srv.URL, Calendar: "/cal"}, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	fields, err := reconcile.FieldsFor(weeklySource())
	require.NoError(t, err)
	require.NoError(t, store.Execute(ctx, model.NewCreate("k", weeklySource(), fields)))
	require.NoError(t, store.Execute(ctx, model.NewUpdate("k", "/cal/existing.ics", fields)))
	require.NoError(t, store.Execute(ctx, model.NewDelete("k", "/cal/old.ics")))
	require.NoError(t, store.Execute(ctx, model.NewDelete("k", "/cal/missing.ics")))

	require.Len(t, puts, 2)
	assert.Contains(t, puts["/cal/existing.ics"], "UID:existing")
	assert.Contains(t, puts["/cal/existing.ics"], "SUMMARY:Weekly sync")
	assert.Equal(t, []string{"/cal/old.ics"}, deletes)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, dispatch.ClassThrottled, dispatch.Classify(classify(errors.New("HTTP 429 Too Many Requests"))))
	assert.Equal(t, dispatch.ClassPermanent, dispatch.Classify(classify(errors.New("403 Forbidden"))))
	assert.Equal(t, dispatch.ClassTransient, dispatch.Classify(classify(errors.New("502 Bad Gateway"))))
	assert.Equal(t, dispatch.ClassTransient, dispatch.Classify(classify(errors.New("connection refused"))))
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{Endpoint: "http://x", Calendar: "/c", Auth: "kerberos"}, nil)
	require.Error(t, err)
}
