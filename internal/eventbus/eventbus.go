// Package eventbus implements an in-process publish/subscribe collaborator
// the dispatcher uses to announce external batch IDs, generalized to a
// topic-keyed bus so other subsystems can publish their own event kinds
// without each needing a bespoke fan-out type.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/me/gowe/internal/dispatcher"
)

// Topic names one category of event. Handlers subscribe per topic.
type Topic string

const (
	// TopicExternalBatchID carries dispatcher.ExternalBatchIDMessage values,
	// published immediately after a job is submitted to a scheduler backend.
	TopicExternalBatchID Topic = "dispatcher.external_batch_id"
)

// Handler receives one published event. Handlers run on their own goroutine
// (see Bus.Publish) and must not block indefinitely.
type Handler func(payload any)

// Bus is a small in-process pub/sub fan-out, the concrete collaborator
// behind dispatcher.Bus and any other publisher in this module. Publish
// never blocks on a slow subscriber: each handler invocation runs in its own
// goroutine so a slow consumer cannot stall the publisher's own work.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *slog.Logger
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger.With("component", "eventbus"),
	}
}

// Subscribe registers h to be invoked for every future Publish on topic.
// Subscriptions are not removable; the bus is expected to live for the
// lifetime of the process.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish fans payload out to every handler subscribed to topic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("published with no subscribers", "topic", topic)
		return
	}
	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("eventbus handler panicked", "topic", topic, "panic", r)
				}
			}()
			h(payload)
		}(h)
	}
}

// DispatcherBus adapts a Bus to satisfy dispatcher.Bus, so a dispatcher
// Worker can publish ExternalBatchIDMessage values onto the same bus every
// other subsystem publishes to.
type DispatcherBus struct {
	Bus *Bus
}

// Publish implements dispatcher.Bus.
func (d DispatcherBus) Publish(msg dispatcher.ExternalBatchIDMessage) {
	d.Bus.Publish(TopicExternalBatchID, msg)
}
