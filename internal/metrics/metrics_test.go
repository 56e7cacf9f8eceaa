package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObservePlan(10, 8, 2, 1, 3, 1, 0)
	m.ObserveRun("partial", 2*time.Second, time.Unix(1700000000, 0), 1)
	m.ObserveRun("success", time.Second, time.Unix(1700000100, 0), 0)
	m.IncDispatchFailure("delete", "throttled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.intents.WithLabelValues("create")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.intents.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchFailures.WithLabelValues("delete", "throttled")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.sourceEvents))
	assert.Equal(t, 1700000100.0, testutil.ToFloat64(m.lastSuccess))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveRun("success", time.Second, time.Now(), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "icssync_runs_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("success", time.Second, time.Now(), 0)
	m.ObservePlan(1, 1, 0, 0, 0, 0, 0)
	m.IncDispatchFailure("create", "permanent")
	assert.Nil(t, m.Registry())
}
