package metrics

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCollector_Observe records counters and gauges per strategy.
func TestCollector_Observe(t *testing.T) {
	c := New()
	c.ObserveEvaluation("bayesian", 3.5, 0.8)
	c.ObserveEvaluation("bayesian", 1.5, 0.6)
	c.ObserveSkip("bayesian")
	c.ObserveFailure("grid", "training")
	c.ObserveLog("bayesian", 4, 0.6)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.evaluations.WithLabelValues("bayesian")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.skipped.WithLabelValues("bayesian")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("grid", "training")))
	assert.Equal(t, 0.6, testutil.ToFloat64(c.lastObj.WithLabelValues("bayesian")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.rows.WithLabelValues("bayesian")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.seconds))
}

// TestCollector_NilSafe ignores calls on a nil collector.
func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveEvaluation("grid", 1, 1)
		c.ObserveSkip("grid")
		c.ObserveFailure("grid", "other")
		c.ObserveLog("grid", 1, 1)
	})
}

// TestHandler_ServesMetrics exposes the registry and writes an access log line.
func TestHandler_ServesMetrics(t *testing.T) {
	c := New()
	c.ObserveEvaluation("grid", 2, 1.25)
	var access bytes.Buffer
	srv := httptest.NewServer(c.Handler(&access))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	srv.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `autofc_evaluations_total{strategy="grid"} 1`)
	assert.True(t, strings.Contains(access.String(), "GET /metrics"))
}
