// Package eventbus is the in-process, topic-keyed publish/subscribe hub
// that connects the Supervisor, Health Monitor, Metrics Collector, and
// Log Aggregator to external collaborators (IPC server, HTTP API,
// plugin hooks, history sinks).
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event types the core emits, per the Event record
// in the data model.
type Type string

const (
	TypeStart              Type = "start"
	TypeStop               Type = "stop"
	TypeRestart            Type = "restart"
	TypeError              Type = "error"
	TypeExit               Type = "exit"
	TypeCrash              Type = "crash"
	TypeOnline             Type = "online"
	TypeHealthCheckFail    Type = "health-check-fail"
	TypeHealthCheckRestore Type = "health-check-restore"
	TypeScaling            Type = "scaling"
	TypeMetric             Type = "metric"
	TypeLog                Type = "log"
)

// Event is the envelope delivered to subscribers. Data carries
// type-specific payload (e.g. a metrics.Sample or a logaggregator.Line).
type Event struct {
	ID          string
	Type        Type
	ProcessID   int64
	ProcessName string
	Data        any
	Reason      string
	Timestamp   time.Time
}

// Handler receives events published to a topic it subscribed to. A
// Handler must not block for long; the bus dispatches synchronously on
// the publisher's goroutine.
type Handler func(Event)

// Subscription is an opaque handle returned by Subscribe, used to
// Unsubscribe later.
type Subscription struct {
	id    string
	topic Type
}

// Bus is a topic-keyed pub/sub hub. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Type][]subscriber
	logger   *slog.Logger
}

type subscriber struct {
	id string
	h  Handler
}

// New constructs a Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[Type][]subscriber), logger: logger}
}

// Subscribe registers handler for topic. A subscriber added mid-publish
// never receives the in-flight event, because Publish snapshots its
// subscriber list before dispatch.
func (b *Bus) Subscribe(topic Type, handler Handler) Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, h: handler})
	b.mu.Unlock()
	return Subscription{id: id, topic: topic}
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// Publish dispatches ev to every subscriber of ev.Type, in subscription
// order for that topic, synchronously on the caller's goroutine. A
// handler that panics is isolated: it is recovered and logged, and
// never affects sibling subscribers or the publisher.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	list := b.subs[ev.Type]
	handlers := make([]Handler, 0, len(list))
	for _, s := range list {
		handlers = append(handlers, s.h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatchOne(h, ev)
	}
}

func (b *Bus) dispatchOne(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked",
				"topic", ev.Type, "recovered", r)
		}
	}()
	h(ev)
}
