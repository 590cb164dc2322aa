// Package events routes payloads between components over named topics.
// Delivery is best-effort: a subscriber that falls behind its buffer
// loses events rather than stalling the publisher.
package events

import "sync"

type subscriber struct {
	ch chan any
}

// Bus fans published payloads out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[Event][]*subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[Event][]*subscriber)}
}

// Subscribe registers a buffered listener for one topic. The returned
// cancel func detaches the listener and closes its channel; calling it
// more than once is harmless.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	sub := &subscriber{ch: make(chan any, buffer)}
	b.mu.Lock()
	b.topics[e] = append(b.topics[e], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.topics[e]
			for i, s := range list {
				if s == sub {
					b.topics[e] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the payload to every subscriber of the topic. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[e] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
}
