package event

import (
	"sync"

	"go.uber.org/zap"
)

// Publisher accepts events for fan-out. Implementations must not block:
// delivery channels own their own queues and workers.
type Publisher interface {
	Publish(evt *Event)
}

// Sink receives every published event. Sinks run on the publisher's
// goroutine and must return quickly (enqueue, buffered send, counter).
type Sink func(evt *Event)

// Bus is the process-wide publisher. Channels subscribe a Sink once at
// startup; Publish snapshots the sink list so subscription never races
// delivery.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
}

// NewBus creates an event bus. A nil logger disables publish logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a sink for all subsequent events.
func (b *Bus) Subscribe(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish hands the event to every registered sink.
func (b *Bus) Publish(evt *Event) {
	if evt == nil {
		return
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	b.logger.Debug("publishing event",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.Int("sinks", len(sinks)))

	for _, s := range sinks {
		s(evt)
	}
}

// NoOpPublisher discards all events. Useful for tests and for components
// constructed before the fan-out channels exist.
type NoOpPublisher struct{}

// Publish does nothing.
func (NoOpPublisher) Publish(*Event) {}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = NoOpPublisher{}
)
