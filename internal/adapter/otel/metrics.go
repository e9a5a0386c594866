package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "boardroom"

// Metrics holds all deliberation metric instruments.
type Metrics struct {
	SessionsStarted    metric.Int64Counter
	SessionsCompleted  metric.Int64Counter
	SessionsFailed     metric.Int64Counter
	SessionsTerminated metric.Int64Counter
	SessionsKilled     metric.Int64Counter
	RoundsResolved     metric.Int64Counter
	RecoveryRepairs    metric.Int64Counter
	PersonaLatency     metric.Float64Histogram
	SessionDuration    metric.Float64Histogram
	SessionCost        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("boardroom.sessions.started",
		metric.WithDescription("Number of sessions started"))
	if err != nil {
		return nil, err
	}

	m.SessionsCompleted, err = meter.Int64Counter("boardroom.sessions.completed",
		metric.WithDescription("Number of sessions completed"))
	if err != nil {
		return nil, err
	}

	m.SessionsFailed, err = meter.Int64Counter("boardroom.sessions.failed",
		metric.WithDescription("Number of sessions failed"))
	if err != nil {
		return nil, err
	}

	m.SessionsTerminated, err = meter.Int64Counter("boardroom.sessions.terminated",
		metric.WithDescription("Number of sessions terminated early"))
	if err != nil {
		return nil, err
	}

	m.SessionsKilled, err = meter.Int64Counter("boardroom.sessions.killed",
		metric.WithDescription("Number of sessions killed"))
	if err != nil {
		return nil, err
	}

	m.RoundsResolved, err = meter.Int64Counter("boardroom.rounds.resolved",
		metric.WithDescription("Number of deliberation rounds resolved"))
	if err != nil {
		return nil, err
	}

	m.RecoveryRepairs, err = meter.Int64Counter("boardroom.recovery.repairs",
		metric.WithDescription("Number of recovery repairs applied"))
	if err != nil {
		return nil, err
	}

	m.PersonaLatency, err = meter.Float64Histogram("boardroom.persona.latency_seconds",
		metric.WithDescription("Persona task latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("boardroom.session.duration_seconds",
		metric.WithDescription("Session duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.SessionCost, err = meter.Float64Histogram("boardroom.session.cost_usd",
		metric.WithDescription("Session cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
