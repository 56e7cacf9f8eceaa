package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"icssync/internal/dispatch"
	"icssync/internal/model"
)

type fakeAPI struct {
	mu       sync.Mutex
	pages    []calendar.Events
	inserted []calendar.Event
	updated  map[string]calendar.Event
	deleted  []string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/{cal}/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("singleEvents") != "false" {
			http.Error(w, "expected singleEvents=false", http.StatusBadRequest)
			return
		}
		idx := 0
		if r.URL.Query().Get("pageToken") == "p2" {
			idx = 1
		}
		_ = json.NewEncoder(w).Encode(f.pages[idx])
	})
	mux.HandleFunc("POST /calendars/{cal}/events", func(w http.ResponseWriter, r *http.Request) {
		var ev calendar.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		f.inserted = append(f.inserted, ev)
		f.mu.Unlock()
		ev.Id = "new"
		_ = json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("PUT /calendars/{cal}/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		var ev calendar.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		f.updated[r.PathValue("id")] = ev
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("DELETE /calendars/{cal}/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch id := r.PathValue("id"); id {
		case "gone":
			writeAPIError(w, http.StatusGone, "deleted")
		case "limited":
			writeAPIError(w, http.StatusForbidden, "rateLimitExceeded")
		case "broken":
			writeAPIError(w, http.StatusServiceUnavailable, "backendError")
		default:
			f.mu.Lock()
			f.deleted = append(f.deleted, id)
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]any{{"reason": reason, "message": reason}},
		},
	})
}

func newTestStore(t *testing.T, api *fakeAPI) *Store {
	t.Helper()
	if api.updated == nil {
		api.updated = make(map[string]calendar.Event)
	}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	store, err := New(context.Background(), Config{CalendarID: "primary", Endpoint: srv.URL + "/"},
		option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return store
}

func TestListEventsPaginatesAndDedupsSeries(t *testing.T) {
	api := &fakeAPI{pages: []calendar.Events{
		{
			Items: []*calendar.Event{
				{Id: "a", Summary: "Holiday", Start: &calendar.EventDateTime{Date: "2025-07-04"}, End: &calendar.EventDateTime{Date: "2025-07-05"}},
				{Id: "s", Summary: "Standup", Recurrence: []string{"RRULE:FREQ=DAILY"},
					Start: &calendar.EventDateTime{DateTime: "2025-03-12T09:00:00-04:00", TimeZone: "America/New_York"},
					End:   &calendar.EventDateTime{DateTime: "2025-03-12T09:15:00-04:00", TimeZone: "America/New_York"}},
			},
			NextPageToken: "p2",
		},
		{
			Items: []*calendar.Event{
				{Id: "s_20250313", RecurringEventId: "s", Summary: "Standup moved",
					Start: &calendar.EventDateTime{DateTime: "2025-03-13T10:00:00Z"},
					End:   &calendar.EventDateTime{DateTime: "2025-03-13T10:15:00Z"}},
				{Id: "bad", Summary: "No start"},
			},
		},
	}}
	store := newTestStore(t, api)

	events, err := store.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "a", events[0].ID)
	assert.True(t, events[0].AllDay())
	assert.Equal(t, "2025-07-05", events[0].End.Date())

	assert.Equal(t, "s", events[1].ID)
	assert.Equal(t, time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), events[1].Start.Instant())
	assert.Equal(t, "America/New_York", events[1].Start.Zone())
	assert.Equal(t, []string{"RRULE:FREQ=DAILY"}, events[1].Recurrence)
}

func TestListEventsPrefersMasterOverEarlierInstances(t *testing.T) {
	master := &calendar.Event{Id: "s", Summary: "Standup", Recurrence: []string{"RRULE:FREQ=DAILY"},
		Start: &calendar.EventDateTime{DateTime: "2025-03-12T09:00:00-04:00", TimeZone: "America/New_York"},
		End:   &calendar.EventDateTime{DateTime: "2025-03-12T09:15:00-04:00", TimeZone: "America/New_York"}}
	api := &fakeAPI{pages: []calendar.Events{{
		Items: []*calendar.Event{
			{Id: "s_20250313", RecurringEventId: "s", Status: "cancelled"},
			{Id: "s_20250314", RecurringEventId: "s", Summary: "Standup moved",
				Start: &calendar.EventDateTime{DateTime: "2025-03-14T10:00:00Z"},
				End:   &calendar.EventDateTime{DateTime: "2025-03-14T10:15:00Z"}},
			master,
			{Id: "s_20250315", RecurringEventId: "s", Summary: "Standup later",
				Start: &calendar.EventDateTime{DateTime: "2025-03-15T10:00:00Z"},
				End:   &calendar.EventDateTime{DateTime: "2025-03-15T10:15:00Z"}},
			{Id: "x", Summary: "Cancelled single", Status: "cancelled"},
		},
	}}}
	store := newTestStore(t, api)

	events, err := store.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "s", events[0].ID)
	assert.Equal(t, "Standup", events[0].Title)
	assert.Equal(t, []string{"RRULE:FREQ=DAILY"}, events[0].Recurrence)
}

func TestExecuteWritesFullFieldSet(t *testing.T) {
	api := &fakeAPI{}
	store := newTestStore(t, api)
	ctx := context.Background()

	timed := model.EventFields{
		Title:      "Standup",
		Start:      model.NewInstant(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), "America/New_York"),
		End:        model.NewInstant(time.Date(2025, 3, 12, 13, 15, 0, 0, time.UTC), "America/New_York"),
		Recurrence: []string{"RRULE:FREQ=DAILY"},
	}
	require.NoError(t, store.Execute(ctx, model.NewCreate("k", model.SourceEvent{}, timed)))

	allDay := model.EventFields{Title: "Holiday", Start: model.NewDate(2025, 7, 4), End: model.NewDate(2025, 7, 5), AllDay: true}
	require.NoError(t, store.Execute(ctx, model.NewUpdate("k2", "a", allDay)))
	require.NoError(t, store.Execute(ctx, model.NewDelete("k3", "x")))

	require.Len(t, api.inserted, 1)
	got := api.inserted[0]
	assert.Equal(t, "2025-03-12T13:00:00Z", got.Start.DateTime)
	assert.Equal(t, "America/New_York", got.Start.TimeZone)
	assert.Equal(t, []string{"RRULE:FREQ=DAILY"}, got.Recurrence)

	upd := api.updated["a"]
	assert.Equal(t, "2025-07-04", upd.Start.Date)
	assert.Empty(t, upd.Start.DateTime)
	assert.Equal(t, []string{"x"}, api.deleted)
}

func TestExecuteClassifiesErrors(t *testing.T) {
	store := newTestStore(t, &fakeAPI{})
	ctx := context.Background()

	assert.NoError(t, store.Execute(ctx, model.NewDelete("k", "gone")), "already deleted is success")

	err := store.Execute(ctx, model.NewDelete("k", "limited"))
	require.Error(t, err)
	assert.Equal(t, dispatch.ClassThrottled, dispatch.Classify(err))

	err = store.Execute(ctx, model.NewDelete("k", "broken"))
	require.Error(t, err)
	assert.Equal(t, dispatch.ClassTransient, dispatch.Classify(err))
}

func TestLoadToken(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"access_token":"abc","token_type":"Bearer"}`), 0o600))
	tok, err := loadToken(good)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o600))
	_, err = loadToken(empty)
	require.Error(t, err)

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}
