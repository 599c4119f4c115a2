package guest

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for guest notifications.
type Metrics struct {
	Notifications metric.Int64Counter
}

// NewMetrics creates guest metrics instruments. If meter is nil, returns
// nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	notifications, err := meter.Int64Counter(
		"kestrel_guest_notifications_total",
		metric.WithDescription("Lifecycle notifications received from the guest agent"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{Notifications: notifications}, nil
}

func (m *Metrics) recordNotification(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
