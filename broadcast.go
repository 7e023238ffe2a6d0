package main

import "sync"

// broadcaster wakes every subscriber without blocking the publisher.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan struct{}]struct{})}
}

// subscribe returns a channel that receives a signal after each publish, and
// a function that removes it. Signals coalesce while a subscriber is busy.
func (b *broadcaster) subscribe() (ch chan struct{}, unsubscribe func()) {
	ch = make(chan struct{}, 1)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
