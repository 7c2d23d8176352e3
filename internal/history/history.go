// Package history fans Event Bus activity out to external analytics
// systems (ClickHouse, OpenSearch, PostgreSQL, SQLite) alongside the
// mandatory internal/store event log. It is an optional export path: a
// daemon with no sinks configured simply never calls FromBusEvent.
package history

import (
	"context"
	"time"

	"github.com/novapm/novapm/internal/eventbus"
)

// Event is the externally-exported shape of an Event Bus event, decoupled
// from eventbus.Event so sinks don't need to import the bus package.
type Event struct {
	ProcessName string    `json:"process_name"`
	Type        string    `json:"type"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// FromBusEvent adapts an eventbus.Event into the Sink-facing Event shape.
func FromBusEvent(ev eventbus.Event) Event {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		ProcessName: ev.ProcessName,
		Type:        string(ev.Type),
		Reason:      ev.Reason,
		OccurredAt:  ts,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Subscribe wires sink to every event the bus carries, fanning out on the
// topics the Event Bus knows about. Errors from Send are swallowed by the
// caller's handler (eventbus.Subscribe already isolates handler panics);
// a sink outage must never affect process supervision.
func Subscribe(bus *eventbus.Bus, sink Sink) {
	topics := []eventbus.Type{
		eventbus.TypeStart, eventbus.TypeStop, eventbus.TypeRestart,
		eventbus.TypeError, eventbus.TypeExit, eventbus.TypeCrash,
		eventbus.TypeOnline, eventbus.TypeHealthCheckFail,
		eventbus.TypeHealthCheckRestore, eventbus.TypeScaling,
	}
	for _, topic := range topics {
		bus.Subscribe(topic, func(ev eventbus.Event) {
			_ = sink.Send(context.Background(), FromBusEvent(ev))
		})
	}
}
