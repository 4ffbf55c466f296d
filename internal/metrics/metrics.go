// Package metrics exposes Prometheus counters for job admission and step
// execution. Each daemon owns one Metrics value with a private registry so
// tests can construct as many as they need without duplicate registration
// panics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imageflow/internal/logging"
)

// Metrics holds the orchestrator's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	JobsAdmitted     prometheus.Counter
	JobsDeduplicated prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
	IntakeRequeued   prometheus.Counter

	StepAttempts *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
}

// New builds a Metrics value with all instruments registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		JobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_jobs_admitted_total",
			Help: "Jobs admitted as new records.",
		}),
		JobsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_jobs_deduplicated_total",
			Help: "Submissions absorbed by an existing idempotency key.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_jobs_completed_total",
			Help: "Jobs that reached the completed status.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_jobs_failed_total",
			Help: "Jobs that reached the failed status.",
		}),
		IntakeRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_intake_requeued_total",
			Help: "Intake messages returned to the queue after a store outage.",
		}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imageflow_step_attempts_total",
			Help: "Step execution attempts by step and outcome.",
		}, []string{"step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imageflow_step_duration_seconds",
			Help:    "Wall-clock duration of step attempt sequences.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step"}),
	}

	registry.MustRegister(
		m.JobsAdmitted,
		m.JobsDeduplicated,
		m.JobsCompleted,
		m.JobsFailed,
		m.IntakeRequeued,
		m.StepAttempts,
		m.StepDuration,
	)
	return m
}

// Handler returns the scrape endpoint for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP server until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	logger.Info("metrics server listening", logging.String("bind", addr))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
