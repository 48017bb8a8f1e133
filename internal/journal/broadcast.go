package journal

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// BroadcastError is the error class for the broadcaster.
var BroadcastError = errs.Class("journal broadcast")

// Broadcaster fans journal events out to live subscribers. A subscriber that
// falls behind by more than its buffer misses events; the durable journal
// still has them.
type Broadcaster struct {
	mu     sync.Mutex
	buffer int
	next   int
	subs   map[int]chan Event
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{buffer: buffer, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events logged from now on and a function that
// ends the subscription and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) LogEvent(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	return nil, BroadcastError.New("broadcaster does not keep events")
}

// Close ends every subscription.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
	return nil
}
