package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus()

	var created, reopened int
	bus.Subscribe(TopicGroupCreated, func(Event) { created++ })
	bus.Subscribe(TopicGroupCreated, func(Event) { created++ })
	bus.Subscribe(TopicGroupReopened, func(Event) { reopened++ })

	bus.Publish(Event{Topic: TopicGroupCreated, GroupID: 1})

	assert.Equal(t, 2, created)
	assert.Equal(t, 0, reopened)
}

func TestBusNoSubscribers(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(Event{Topic: TopicBaselineAlert})
	})
}

func TestBusZeroValue(t *testing.T) {
	var bus Bus
	fired := false
	bus.Subscribe(TopicOccurrenceRecorded, func(Event) { fired = true })
	bus.Publish(Event{Topic: TopicOccurrenceRecorded})
	assert.True(t, fired)
}
