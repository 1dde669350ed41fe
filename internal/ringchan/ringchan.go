// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is dropped to make room. It decouples slow event consumers from
// goroutines that must never stall, such as the platform event dispatcher.
package ringchan

import "sync/atomic"

// Stats is a snapshot of ring counters.
type Stats struct {
	Sent    int64 // elements accepted into the ring
	Dropped int64 // elements discarded to make room
}

// Ring is a bounded overwrite-oldest channel of T. The zero value is not
// usable; construct with New.
//
// Close follows the usual channel discipline: the producer must stop
// sending before anyone calls Close. Sending on a closed Ring panics.
type Ring[T any] struct {
	ch      chan T
	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a Ring with the given capacity. Panics if capacity <= 0.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// Send inserts v, discarding the oldest buffered element if the ring is
// full. Returns true if an element was dropped to make room.
func (r *Ring[T]) Send(v T) bool {
	select {
	case r.ch <- v:
		r.sent.Add(1)
		return false
	default:
	}

	// Full: drop one, then insert. A concurrent consumer may win the
	// race for the drop slot; retry until the insert lands.
	for {
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
		}
		select {
		case r.ch <- v:
			r.sent.Add(1)
			return true
		default:
		}
	}
}

// C returns the receive side. Consumers range over it until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// TryRecv performs a non-blocking receive.
func (r *Ring[T]) TryRecv() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		return v, ok
	default:
		return v, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the receive side.
func (r *Ring[T]) Close() {
	close(r.ch)
}

// Stats returns a snapshot of the ring counters.
func (r *Ring[T]) Stats() Stats {
	return Stats{Sent: r.sent.Load(), Dropped: r.dropped.Load()}
}
