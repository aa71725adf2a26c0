package events

import (
	"sync"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/shared/id"
)

// Event is one agent activity notification fanned out to subscribers.
type Event struct {
	Kind string                 `json:"kind"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is an in-process pub/sub bus for agent activity. Extension runtimes
// subscribe on behalf of their sandboxed code and forward matching events
// across the boundary as event envelopes.
type Bus struct {
	mu   sync.RWMutex
	subs map[id.SubscriptionID]*subscription
}

type subscription struct {
	kinds   map[string]bool // empty means all kinds
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[id.SubscriptionID]*subscription)}
}

// Subscribe registers a handler for the given kinds (nil or empty means
// every kind) and returns the subscription id.
func (b *Bus) Subscribe(kinds []string, handler Handler) id.SubscriptionID {
	sub := &subscription{handler: handler, kinds: make(map[string]bool, len(kinds))}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	subID := id.NewSubscriptionID()
	b.mu.Lock()
	b.subs[subID] = sub
	b.mu.Unlock()
	return subID
}

// Unsubscribe removes a subscription. Unknown ids are a no-op: disposal
// paths unsubscribe unconditionally.
func (b *Bus) Unsubscribe(subID id.SubscriptionID) {
	b.mu.Lock()
	delete(b.subs, subID)
	b.mu.Unlock()
}

// Publish fans the event out to every matching subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if len(sub.kinds) == 0 || sub.kinds[event.Kind] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Len returns the current subscription count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
