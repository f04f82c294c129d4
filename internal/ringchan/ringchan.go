// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used to fan out hardware events to slow consumers without
// ever blocking the producer.
package ringchan

import "sync/atomic"

// Ring wraps a buffered channel. Producers never block: when the buffer
// is full the oldest element is dropped to make room. Consumers read via
// C() like a normal channel, or via Receive for counted reads.
type Ring[T any] struct {
	ch    chan T
	stats Stats
}

// Stats tracks producer/consumer activity with atomic counters.
type Stats struct {
	Written  int64
	Dropped  int64
	Received int64
}

// New creates a Ring with the given capacity. Panics if capacity <= 0.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads through C bypass
// the Received counter.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, dropping the oldest buffered element if the buffer is
// full. Returns true if an element was dropped.
func (r *Ring[T]) Send(v T) bool {
	dropped := false
	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch:
			atomic.AddInt64(&r.stats.Dropped, 1)
			dropped = true
		default:
			// Consumer drained the buffer between selects.
		}
		r.ch <- v
	}
	atomic.AddInt64(&r.stats.Written, 1)
	return dropped
}

// TrySend inserts v only if buffer space is available.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		atomic.AddInt64(&r.stats.Written, 1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		atomic.AddInt64(&r.stats.Received, 1)
	}
	return
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the ring. Sends after Close panic, as with any channel.
func (r *Ring[T]) Close() { close(r.ch) }

// GetStats returns a snapshot of the counters.
func (r *Ring[T]) GetStats() Stats {
	return Stats{
		Written:  atomic.LoadInt64(&r.stats.Written),
		Dropped:  atomic.LoadInt64(&r.stats.Dropped),
		Received: atomic.LoadInt64(&r.stats.Received),
	}
}
