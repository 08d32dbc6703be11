// Package events is the in-process observer bus the core publishes lifecycle
// events to. The core has no compile-time dependency on any subscriber;
// notification delivery, webhooks and similar consumers attach here.
package events

import (
	"sync"
	"time"
)

// Topics published by the core.
const (
	TopicGroupCreated       = "group.created"
	TopicGroupReopened      = "group.reopened"
	TopicOccurrenceRecorded = "occurrence.recorded"
	TopicBaselineAlert      = "baseline.alert"
)

// Event is one lifecycle notification.
type Event struct {
	Topic         string
	ApplicationID uint
	GroupID       uint
	At            time.Time
	Payload       map[string]any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a minimal topic fanout. Zero value is usable.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]Handler)
	}
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers the event to every subscriber of its topic. Publishing
// with no subscribers is a no-op.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Topic]
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}
