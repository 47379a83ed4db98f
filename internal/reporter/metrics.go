package reporter

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink maintains the autodeploy_* Prometheus collectors.
type MetricsSink struct {
	events      *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	matches     *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
	finished    *prometheus.CounterVec
	stepSeconds *prometheus.HistogramVec
}

// NewMetricsSink registers the collectors with reg. Collectors already
// registered by another sink are reused.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodeploy_events_total",
			Help: "Lifecycle events emitted, by event type.",
		}, []string{"event"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodeploy_step_attempts_total",
			Help: "Finished step attempts, by outcome and error kind.",
		}, []string{"outcome", "error_kind"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodeploy_patterns_matched_total",
			Help: "Error patterns matched in command output.",
		}, []string{"pattern", "severity"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodeploy_recoveries_total",
			Help: "Recovery handler runs, by handler and outcome.",
		}, []string{"handler", "outcome"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodeploy_deployments_finished_total",
			Help: "Deployments that reached a terminal status.",
		}, []string{"status"}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autodeploy_step_duration_seconds",
			Help:    "Wall time of finished step attempts.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
	}

	var err error
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	if m.matches, err = register(reg, m.matches); err != nil {
		return nil, err
	}
	if m.recoveries, err = register(reg, m.recoveries); err != nil {
		return nil, err
	}
	if m.finished, err = register(reg, m.finished); err != nil {
		return nil, err
	}
	if m.stepSeconds, err = register(reg, m.stepSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *MetricsSink) Name() string { return "metrics" }

func (m *MetricsSink) Write(_ context.Context, e Event) error {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case EventStepAttempt:
		m.attempts.WithLabelValues(e.Outcome, string(e.ErrorKind)).Inc()
		m.stepSeconds.WithLabelValues(e.Outcome).Observe(e.Elapsed.Seconds())
	case EventPatternMatched:
		m.matches.WithLabelValues(e.PatternID, string(e.Severity)).Inc()
	case EventRecoveryFinished:
		m.recoveries.WithLabelValues(e.HandlerID, e.Outcome).Inc()
	case EventDeploymentFinished:
		m.finished.WithLabelValues(string(e.To)).Inc()
	}
	return nil
}

func (m *MetricsSink) Close() error { return nil }
