// Package bus is the payload-less "challenges changed" broadcast. Observers
// re-read current state through the service accessors after each signal, so
// delivery is at-least-once and handlers must be idempotent.
package bus

import "sync"

type Bus struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[chan struct{}]struct{})}
}

// Subscribe registers an observer. The returned cancel func must be called
// when the observer goes away. The channel has capacity 1: signals arriving
// while the observer is busy coalesce into a single pending notification.
func (b *Bus) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish wakes every subscriber. Never blocks on a slow observer.
func (b *Bus) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending signal, coalesce.
		}
	}
}
