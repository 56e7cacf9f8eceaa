package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icssync/internal/config"
	"icssync/internal/history"
	"icssync/internal/ics"
	"icssync/internal/model"
	"icssync/internal/syncer"
)

type fakeRunner struct {
	report *syncer.Report
	err    error
	last   *syncer.Report
	runs   int
}

func (f *fakeRunner) Plan(ctx context.Context) (*syncer.Report, error) { return f.report, f.err }
func (f *fakeRunner) Run(ctx context.Context) (*syncer.Report, error) {
	f.runs++
	return f.report, f.err
}
func (f *fakeRunner) Last() *syncer.Report { return f.last }

type fakeHistory struct {
	runs []history.Run
}

func (f *fakeHistory) ListRuns(ctx context.Context, limit int) ([]history.Run, error) {
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeHistory) LastRun(ctx context.Context) (*history.Run, error) {
	if len(f.runs) == 0 {
		return nil, history.ErrNoRuns
	}
	return &f.runs[0], nil
}

func do(t *testing.T, h http.Handler, method, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.SetBasicAuth("ops", "secret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBasicAuthSparesHealth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "secret"}
	h := NewServer(cfg, &fakeRunner{}, nil, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", false).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", false).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/status", true).Code)
}

func TestStatusFallsBackToLedger(t *testing.T) {
	hist := &fakeHistory{runs: []history.Run{{ID: "r9", Status: history.StatusSuccess}}}
	srv := NewServer(config.DefaultConfig(), &fakeRunner{}, hist, nil)
	next := time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)
	srv.NextRun = func() time.Time { return next }

	rec := do(t, srv.Handler(), http.MethodGet, "/api/status", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.LastRun)
	require.NotNil(t, resp.LastRecorded)
	assert.Equal(t, "r9", resp.LastRecorded.ID)
	require.NotNil(t, resp.NextRun)
	assert.True(t, next.Equal(*resp.NextRun))
	assert.Equal(t, "google", resp.Backend)
}

func TestRuns(t *testing.T) {
	hist := &fakeHistory{runs: []history.Run{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	h := NewServer(config.DefaultConfig(), &fakeRunner{}, hist, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/runs?limit=2", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []history.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/runs?limit=abc", false).Code)

	noHist := NewServer(config.DefaultConfig(), &fakeRunner{}, nil, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, noHist, http.MethodGet, "/api/runs", false).Code)
}

func TestSyncAndPlan(t *testing.T) {
	runner := &fakeRunner{report: &syncer.Report{RunID: "x", Status: history.StatusSuccess}}
	h := NewServer(config.DefaultConfig(), runner, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/sync", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.runs)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/sync", false).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/plan", false).Code)

	runner.err = syncer.ErrRunInProgress
	runner.report = nil
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/sync", false).Code)

	runner.err = errors.New("feed down")
	runner.report = &syncer.Report{Status: history.StatusFailed, Error: "feed down"}
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/sync", false).Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m")) })
	h := NewServer(config.DefaultConfig(), &fakeRunner{}, nil, metrics).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m", rec.Body.String())
}

type fakeEvents struct {
	events []model.SourceEvent
	loads  int
}

func (f *fakeEvents) LoadSourceEvents(ctx context.Context) ([]model.SourceEvent, ics.LoadStats, error) {
	f.loads++
	return f.events, ics.LoadStats{Loaded: len(f.events)}, nil
}

func TestEventsListsUpcomingOccurrences(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Hour).Add(2 * time.Hour)
	src := &fakeEvents{events: []model.SourceEvent{{
		Title:  "Standup",
		Start:  model.NewInstant(start, "UTC"),
		End:    model.NewInstant(start.Add(15*time.Minute), "UTC"),
		RRules: []string{"FREQ=DAILY;COUNT=10"},
	}}}
	srv := NewServer(config.DefaultConfig(), &fakeRunner{}, nil, nil)
	srv.Events = src
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/events?days=3", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Occurrences, 3)
	assert.Equal(t, "Standup", resp.Occurrences[0].Title)
	assert.Equal(t, "UTC", resp.DisplayTimeZone)

	// Served from cache.
	do(t, h, http.MethodGet, "/api/events?days=3", false)
	assert.Equal(t, 1, src.loads)

	// A different window is not.
	do(t, h, http.MethodGet, "/api/events?days=1", false)
	assert.Equal(t, 2, src.loads)
}

func TestEventsDisabled(t *testing.T) {
	h := NewServer(config.DefaultConfig(), &fakeRunner{}, nil, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/events", false).Code)
}
