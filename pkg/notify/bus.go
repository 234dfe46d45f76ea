package notify

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 128

// Bus fans notifications out to subscribers. Publish never blocks: a
// subscriber that does not keep up loses notifications and the loss is counted.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Notification
	nextID      uint64
	closed      bool

	published atomic.Int64
	dropped   atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]chan Notification)}
}

// Subscribe returns a channel of notifications and a cancel function that
// unsubscribes and closes the channel. buffer <= 0 selects a default.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
}

// Publish delivers n to every subscriber with room in its buffer.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus) Published() int64 { return b.published.Load() }
func (b *Bus) Dropped() int64   { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
