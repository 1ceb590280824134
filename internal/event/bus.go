package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBusClosed is returned by Publish once the bus has been closed.
var ErrBusClosed = errors.New("event bus closed")

// Publisher accepts events. Producers depend on this rather than on *Bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) (uint64, error)
}

// Bus is a bounded multi-producer, single-consumer event queue.
//
// Publish assigns a sequence number and enqueues under one lock, so the
// order in which the consumer drains events is the order of their Seq.
// A full bus blocks publishers; events are never dropped.
type Bus struct {
	queue chan Event
	// lock is a one-slot semaphore so waiting publishers can honor ctx.
	lock  chan struct{}
	ready chan struct{}
	done  chan struct{}

	seq       uint64
	now       func() time.Time
	closeOnce sync.Once
}

// NewBus creates a bus that holds at most capacity undrained events.
func NewBus(capacity int) (*Bus, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("event bus capacity must be positive, got %d", capacity)
	}

	return &Bus{
		queue: make(chan Event, capacity),
		lock:  make(chan struct{}, 1),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		now:   time.Now,
	}, nil
}

// Publish enqueues ev and returns its sequence number. It blocks while the
// bus is full and fails with ErrBusClosed after Close or ctx.Err() when ctx
// is cancelled first.
func (b *Bus) Publish(ctx context.Context, ev Event) (uint64, error) {
	if b.Closed() {
		return 0, ErrBusClosed
	}

	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, ErrBusClosed
	}
	defer func() { <-b.lock }()

	if b.Closed() {
		return 0, ErrBusClosed
	}

	ev.Seq = b.seq + 1
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	select {
	case b.queue <- ev:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, ErrBusClosed
	}

	b.seq = ev.Seq

	select {
	case b.ready <- struct{}{}:
	default:
	}

	return ev.Seq, nil
}

// Drain returns every queued event in Seq order without blocking.
// It keeps working after Close so the consumer can take the final batch.
func (b *Bus) Drain() []Event {
	var out []Event

	for {
		select {
		case ev := <-b.queue:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Ready is signalled after a publish. A signal may be stale; consumers should
// Drain and tolerate an empty batch.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// Wait blocks until an event may be available, the bus closes, or ctx ends.
func (b *Bus) Wait(ctx context.Context) error {
	if len(b.queue) > 0 {
		return nil
	}

	select {
	case <-b.ready:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	return len(b.queue)
}

// Cap returns the bus capacity.
func (b *Bus) Cap() int {
	return cap(b.queue)
}

// Close stops accepting events and releases blocked publishers. It is safe
// to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}
