// Package bus is an in-memory publish/subscribe hub for job state events.
// It has no durability and no replay; a subscriber that cannot keep up is
// disconnected rather than allowed to block the publisher. The final state of
// any job remains retrievable from the store, so a dropped terminal event is
// recoverable by polling.
package bus

import (
	"sync"

	"github.com/arkhaul/arkhaul/pkg/models"
)

const defaultBuffer = 64

// Event is one job state change, carrying a full snapshot of the job.
type Event struct {
	Job *models.Job
}

// Subscription is one independent event stream. C is closed when the
// subscriber is unsubscribed, falls too far behind, or the bus shuts down.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// Bus fans out events to all current subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func New() *Bus {
	return NewWithBuffer(defaultBuffer)
}

func NewWithBuffer(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new independent stream. Subscribers never interfere
// with each other.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe releases the subscription's resources. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber whose buffer is full is dropped: its channel closes and it stops
// receiving, while everyone else keeps their ordering intact.
func (b *Bus) Publish(job *models.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- Event{Job: job}:
		default:
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// Close disconnects all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
