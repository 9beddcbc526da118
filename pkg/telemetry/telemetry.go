// Package telemetry holds the OpenTelemetry instruments recorded by the
// session service. Instruments come from the global meter provider, which is a
// no-op until Setup installs an exporting provider.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/nstogner/sandbox"

// Metrics records session service measurements. A nil *Metrics records nothing.
type Metrics struct {
	loads             metric.Int64Counter
	evictions         metric.Int64Counter
	messages          metric.Int64Counter
	protocolErrors    metric.Int64Counter
	broadcastFailures metric.Int64Counter
	connections       metric.Int64UpDownCounter
	persistDuration   metric.Float64Histogram
	stepDuration      metric.Float64Histogram
}

// New creates the instruments from the given provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.loads, err = meter.Int64Counter("sandbox_session_loads_total",
		metric.WithDescription("Session state loads from storage")); err != nil {
		return nil, fmt.Errorf("creating loads counter: %w", err)
	}
	if m.evictions, err = meter.Int64Counter("sandbox_session_evictions_total",
		metric.WithDescription("Session actors evicted from memory")); err != nil {
		return nil, fmt.Errorf("creating evictions counter: %w", err)
	}
	if m.messages, err = meter.Int64Counter("sandbox_protocol_messages_total",
		metric.WithDescription("Inbound protocol messages handled")); err != nil {
		return nil, fmt.Errorf("creating messages counter: %w", err)
	}
	if m.protocolErrors, err = meter.Int64Counter("sandbox_protocol_errors_total",
		metric.WithDescription("Inbound protocol messages rejected")); err != nil {
		return nil, fmt.Errorf("creating protocol errors counter: %w", err)
	}
	if m.broadcastFailures, err = meter.Int64Counter("sandbox_broadcast_failures_total",
		metric.WithDescription("Per-connection send failures during broadcast")); err != nil {
		return nil, fmt.Errorf("creating broadcast failures counter: %w", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("sandbox_connections",
		metric.WithDescription("Currently attached connections")); err != nil {
		return nil, fmt.Errorf("creating connections counter: %w", err)
	}
	if m.persistDuration, err = meter.Float64Histogram("sandbox_persist_duration_seconds",
		metric.WithDescription("Duration of session state saves"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating persist histogram: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("sandbox_step_duration_seconds",
		metric.WithDescription("Duration of execution steps"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating step histogram: %w", err)
	}
	return m, nil
}

// Default returns instruments bound to the global meter provider.
func Default() *Metrics {
	m, err := New(otel.GetMeterProvider())
	if err != nil {
		m, _ = New(noop.NewMeterProvider())
	}
	return m
}

func (m *Metrics) SessionLoaded(ctx context.Context) {
	if m == nil {
		return
	}
	m.loads.Add(ctx, 1)
}

func (m *Metrics) SessionEvicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1)
}

func (m *Metrics) MessageHandled(ctx context.Context, tag string) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", tag)))
}

// ProtocolError counts a rejected message. kind is one of "malformed",
// "unknown_type", "invalid", "persist".
func (m *Metrics) ProtocolError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) BroadcastFailed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.broadcastFailures.Add(ctx, int64(n))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

func (m *Metrics) PersistObserved(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("error", err != nil)))
}

// StepObserved records a step duration with an outcome such as "complete",
// "error" or "timeout".
func (m *Metrics) StepObserved(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
