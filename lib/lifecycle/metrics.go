package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelvmm/kestrel/lib/events"
)

// Metrics holds the metrics instruments for the lifecycle core. All record
// methods are nil-safe so the core works unchanged with telemetry disabled.
type Metrics struct {
	Transitions metric.Int64Counter
	Events      metric.Int64Counter
	Requests    metric.Int64Counter
	Iterations  metric.Int64Counter
}

// NewMetrics creates lifecycle metrics instruments. If meter is nil, returns
// nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	transitions, err := meter.Int64Counter(
		"kestrel_runstate_transitions_total",
		metric.WithDescription("Validated run-state transitions performed"),
	)
	if err != nil {
		return nil, err
	}

	eventsSent, err := meter.Int64Counter(
		"kestrel_lifecycle_events_total",
		metric.WithDescription("Lifecycle events emitted to the management channel"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter(
		"kestrel_lifecycle_requests_total",
		metric.WithDescription("Lifecycle requests received from producers"),
	)
	if err != nil {
		return nil, err
	}

	iterations, err := meter.Int64Counter(
		"kestrel_mainloop_iterations_total",
		metric.WithDescription("Main-loop drain iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Transitions: transitions,
		Events:      eventsSent,
		Requests:    requests,
		Iterations:  iterations,
	}, nil
}

func (m *Metrics) recordTransition(ctx context.Context, from, to interface{ String() string }) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *Metrics) recordEvent(ctx context.Context, kind events.Kind) {
	if m == nil {
		return
	}
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(kind))))
}

func (m *Metrics) recordRequest(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("request", kind)))
}

func (m *Metrics) recordIteration(ctx context.Context) {
	if m == nil {
		return
	}
	m.Iterations.Add(ctx, 1)
}
