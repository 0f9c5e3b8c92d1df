package service

import (
	"sync"

	"github.com/psam21/ncoin-messaging/internal/model"
)

// broadcaster fans reconciled state changes out to stream subscribers.
// Slow subscribers drop events rather than block the delivery path.
type broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan model.Event
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan model.Event)}
}

// subscribe registers a new listener. The returned cancel is idempotent
// and safe to call after the broadcaster is closed.
func (b *broadcaster) subscribe(buffer int) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close terminates every subscriber. Used on identity switch so stale
// listeners never see the next account's traffic.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
