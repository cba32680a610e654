package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.RecordRun("ethereum", "ok", 0.5)
	r.RecordRun("ethereum", "ok", 0.7)
	r.RecordRun("ethereum", "no_data", 0.1)
	r.RecordVerdict("ethereum", true)
	r.RecordCommitment("published")
	r.RecordFallback()
	r.RecordHTTP("/v1/briefing", 200, 0.01)

	assert.InDelta(t, 2, testutil.ToFloat64(r.runsTotal.WithLabelValues("ethereum", "ok")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(r.runsTotal.WithLabelValues("ethereum", "no_data")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(r.hasAnomaly.WithLabelValues("ethereum")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(r.fallbacksTotal), 1e-9)

	r.RecordVerdict("ethereum", false)
	assert.InDelta(t, 0, testutil.ToFloat64(r.hasAnomaly.WithLabelValues("ethereum")), 1e-9)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RecordCommitment("already_published")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `xchain_radar_ledger_commitments_total{status="already_published"} 1`)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordRun("ethereum", "ok", 1)
	r.RecordVerdict("ethereum", true)
	r.RecordCommitment("published")
	r.RecordFallback()
	r.RecordHTTP("/", 200, 0)
	assert.Nil(t, r.Registry())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
