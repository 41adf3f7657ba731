package notify

import (
	"log"
	"sync"

	"github.com/interacthub/livecomm/internal/util"
)

// queuedCap is how many recent events are retained for late subscribers.
const queuedCap = 50

// Broadcaster fans one event out to every registered consumer. Consumers
// never own a bus subscription of their own; they register here and the
// router feeds them. A failing consumer is isolated: its panic is recovered
// and logged, and delivery to the others continues.
type Broadcaster struct {
	mu        sync.RWMutex
	consumers map[string]func(Event)
	recent    *util.RingBuffer[Event]
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		consumers: make(map[string]func(Event)),
		recent:    util.NewRingBuffer[Event](queuedCap),
	}
}

// Register adds a consumer under an ID and returns an unregister function.
// Registering the same ID again replaces the previous consumer. The
// unregister function is safe to call multiple times.
func (b *Broadcaster) Register(consumerID string, fn func(Event)) func() {
	b.mu.Lock()
	b.consumers[consumerID] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.consumers, consumerID)
		b.mu.Unlock()
	}
}

// Broadcast delivers evt to every registered consumer exactly once.
func (b *Broadcaster) Broadcast(evt Event) {
	b.recent.Push(evt)

	b.mu.RLock()
	type entry struct {
		id string
		fn func(Event)
	}
	consumers := make([]entry, 0, len(b.consumers))
	for id, fn := range b.consumers {
		consumers = append(consumers, entry{id, fn})
	}
	b.mu.RUnlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("NOTIFY: consumer %s panicked: %v", c.id, r)
				}
			}()
			c.fn(evt)
		}()
	}
}

// Recent returns up to the last 50 broadcast events, newest first.
// Late subscribers use this to catch up.
func (b *Broadcaster) Recent() []Event {
	return b.recent.Newest(queuedCap)
}

// Len returns the number of registered consumers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}
