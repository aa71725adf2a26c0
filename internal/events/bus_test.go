package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var all, turns []Event
	bus.Subscribe(nil, func(e Event) { all = append(all, e) })
	bus.Subscribe([]string{"turn_start"}, func(e Event) { turns = append(turns, e) })

	bus.Publish(Event{Kind: "turn_start"})
	bus.Publish(Event{Kind: "tool_use"})

	assert.Len(t, all, 2)
	assert.Len(t, turns, 1)
	assert.Equal(t, "turn_start", turns[0].Kind)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	subID := bus.Subscribe(nil, func(Event) { count++ })

	bus.Publish(Event{Kind: "a"})
	bus.Unsubscribe(subID)
	bus.Publish(Event{Kind: "b"})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Len())

	// Double unsubscribe is fine.
	bus.Unsubscribe(subID)
}
