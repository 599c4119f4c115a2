// Package events carries externally observable lifecycle events to the
// management channel. The lifecycle core calls Send once per named event;
// delivery beyond that point is the reporter's business.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/kestrelvmm/kestrel/lib/logger"
)

// Kind names a lifecycle event on the management channel.
type Kind string

const (
	KindReset     Kind = "RESET"
	KindStop      Kind = "STOP"
	KindResume    Kind = "RESUME"
	KindSuspend   Kind = "SUSPEND"
	KindWakeup    Kind = "WAKEUP"
	KindPowerdown Kind = "POWERDOWN"
	KindShutdown  Kind = "SHUTDOWN"
)

// Event is a single lifecycle notification. Reason is set only for WAKEUP.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event of the given kind with a fresh ID.
func New(kind Kind) Event {
	return Event{
		ID:        cuid2.Generate(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// NewWakeup builds a WAKEUP event carrying the wakeup reason code.
func NewWakeup(reason string) Event {
	e := New(KindWakeup)
	e.Reason = reason
	return e
}

// Reporter receives lifecycle events from the core.
type Reporter interface {
	Send(ctx context.Context, e Event)
}

// LogReporter writes every event to the context logger.
type LogReporter struct{}

func (LogReporter) Send(ctx context.Context, e Event) {
	log := logger.FromContext(ctx)
	if e.Reason != "" {
		log.InfoContext(ctx, "lifecycle event", "event", string(e.Kind), "reason", e.Reason, "event_id", e.ID)
		return
	}
	log.InfoContext(ctx, "lifecycle event", "event", string(e.Kind), "event_id", e.ID)
}

// Multi fans a single Send out to several reporters in order.
type Multi []Reporter

func (m Multi) Send(ctx context.Context, e Event) {
	for _, r := range m {
		r.Send(ctx, e)
	}
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing the oldest events.
const subscriberBuffer = 64

// Broadcaster fans events out to management-stream subscribers. Send never
// blocks on a slow subscriber.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  *slog.Logger
}

type subscriber struct {
	ch chan Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[*subscriber]struct{}),
		log:  log,
	}
}

// Subscribe registers a new event stream. The returned cancel function must
// be called when the consumer goes away; it closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Send delivers e to every live subscriber, dropping the oldest buffered
// event for subscribers that are full.
func (b *Broadcaster) Send(ctx context.Context, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
			if b.log != nil {
				b.log.WarnContext(ctx, "event subscriber lagging, dropped oldest event", "event", string(e.Kind))
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
