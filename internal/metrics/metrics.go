// Package metrics exports search progress to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autofc"

// Collector holds the search metrics. A nil *Collector ignores every call.
type Collector struct {
	registry    *prometheus.Registry
	evaluations *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	seconds     *prometheus.HistogramVec
	lastObj     *prometheus.GaugeVec
	bestObj     *prometheus.GaugeVec
	rows        *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Candidate heads trained and evaluated.",
		}, []string{"strategy"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_combinations_total",
			Help:      "Categorical combinations skipped because they were already logged.",
		}, []string{"strategy"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Candidates that failed to build, train or persist.",
		}, []string{"strategy", "reason"}),
		seconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_seconds",
			Help:      "Wall-clock training time per candidate.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"strategy"}),
		lastObj: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_objective",
			Help:      "Validation loss of the most recent candidate.",
		}, []string{"strategy"}),
		bestObj: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_objective",
			Help:      "Lowest validation loss in the result log.",
		}, []string{"strategy"}),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_rows",
			Help:      "Rows in the result log.",
		}, []string{"strategy"}),
	}
	c.registry.MustRegister(c.evaluations, c.skipped, c.failures, c.seconds, c.lastObj, c.bestObj, c.rows)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveEvaluation(strategy string, seconds, objective float64) {
	if c == nil {
		return
	}
	c.evaluations.WithLabelValues(strategy).Inc()
	c.seconds.WithLabelValues(strategy).Observe(seconds)
	c.lastObj.WithLabelValues(strategy).Set(objective)
}

func (c *Collector) ObserveSkip(strategy string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(strategy).Inc()
}

func (c *Collector) ObserveFailure(strategy, reason string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(strategy, reason).Inc()
}

func (c *Collector) ObserveLog(strategy string, rows int, best float64) {
	if c == nil {
		return
	}
	c.rows.WithLabelValues(strategy).Set(float64(rows))
	c.bestObj.WithLabelValues(strategy).Set(best)
}

// Handler serves the registry in the Prometheus text format, gzip-compressed
// when the client accepts it and access-logged to accessLog when non-nil.
func (c *Collector) Handler(accessLog io.Writer) http.Handler {
	var h http.Handler = promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	h = handlers.CompressHandler(h)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}

// Serve listens on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, accessLog io.Writer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: c.Handler(accessLog), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
