package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"icssync/internal/config"
	"icssync/internal/history"
	"icssync/internal/ics"
	appLog "icssync/internal/log"
	"icssync/internal/model"
	"icssync/internal/syncer"
	"icssync/internal/temporal"
)

// Runner is the part of syncer.Runner the API drives.
type Runner interface {
	Plan(ctx context.Context) (*syncer.Report, error)
	Run(ctx context.Context) (*syncer.Report, error)
	Last() *syncer.Report
}

// RunHistory is the part of the ledger the API reads.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	LastRun(ctx context.Context) (*history.Run, error)
}

// EventSource loads the feed for /api/events.
type EventSource interface {
	LoadSourceEvents(ctx context.Context) ([]model.SourceEvent, ics.LoadStats, error)
}

// Server provides the status and control API.
type Server struct {
	cfg     *config.Config
	runner  Runner
	history RunHistory
	metrics http.Handler
	mux     *http.ServeMux

	// NextRun, when set, reports the next scheduled run for /api/status.
	NextRun func() time.Time
	// Events, when set, backs /api/events.
	Events EventSource

	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

type eventsCache struct {
	key       string
	resp      eventsResponse
	updatedAt time.Time
}

// NewServer constructs a new Server. hist and metrics may be nil.
func NewServer(cfg *config.Config, runner Runner, hist RunHistory, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		history: hist,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="icssync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves s on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("GET /api/plan", s.handlePlan)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Backend string         `json:"backend"`
	LastRun *syncer.Report `json:"last_run,omitempty"`
	// LastRecorded is the newest ledger entry, useful right after a restart
	// when no run has happened in this process yet.
	LastRecorded *history.Run `json:"last_recorded,omitempty"`
	NextRun      *time.Time   `json:"next_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{LastRun: s.runner.Last()}
	if s.cfg != nil {
		resp.Backend = s.cfg.Target.Backend
	}
	if resp.LastRun == nil && s.history != nil {
		last, err := s.history.LastRun(r.Context())
		switch {
		case err == nil:
			resp.LastRecorded = last
		case !errors.Is(err, history.ErrNoRuns):
			appLog.Error("failed to read last run", err)
		}
	}
	if s.NextRun != nil {
		if next := s.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 500 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		appLog.Error("failed to list runs", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	rep, err := s.runner.Plan(r.Context())
	s.writeReport(w, rep, err)
}

// handleSync runs a sync synchronously. The run is detached from the
// request context so a dropped client does not abort it halfway.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.runner.Run(context.WithoutCancel(r.Context()))
	s.writeReport(w, rep, err)
}

func (s *Server) writeReport(w http.ResponseWriter, rep *syncer.Report, err error) {
	switch {
	case errors.Is(err, syncer.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && rep != nil:
		writeJSON(w, http.StatusBadGateway, rep)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

type occurrenceDTO struct {
	Title  string    `json:"title"`
	AllDay bool      `json:"all_day"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	Truncated       []string        `json:"truncated,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

// handleEvents lists the feed's upcoming occurrences as they would appear
// in the target calendar. Responses are cached briefly so dashboards
// polling the endpoint do not refetch the feed each time.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeError(w, http.StatusNotFound, "event listing is disabled")
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 0)
	if backfill < 0 {
		backfill = 0
	}

	const eventsCacheTTL = 30 * time.Second
	key := strconv.Itoa(days) + "/" + strconv.Itoa(backfill)
	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && ec.key == key && time.Since(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	loc := time.UTC
	if s.cfg != nil {
		if l, _, err := temporal.LoadZone(s.cfg.Timezone); err == nil {
			loc = l
		}
	}
	now := time.Now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	events, _, err := s.Events.LoadSourceEvents(r.Context())
	if err != nil {
		appLog.Error("api events: load failed", err)
		writeError(w, http.StatusBadGateway, "failed to load feed")
		return
	}

	res, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
	})
	if err != nil {
		appLog.Error("api events: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand events")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(res.Occurrences))
	for _, occ := range res.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			Title:  occ.Title,
			AllDay: occ.AllDay,
			Start:  occ.Start,
			End:    occ.End,
		})
	}
	resp := eventsResponse{
		Occurrences:     dtos,
		Truncated:       res.TruncatedEvents,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{key: key, resp: resp, updatedAt: time.Now()}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
