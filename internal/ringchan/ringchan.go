// Package ringchan provides a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest pending element is
// discarded to make room. This keeps BLE notification callbacks non-blocking
// while the consumer side drains at its own pace.
package ringchan

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//	for v := range rc.C() {
//	    fmt.Println("got:", v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	ch    chan T
	stats Stats
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Reads through C are not counted in Stats.Processed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts to insert without blocking.
// Returns false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.stats.Written, 1)
		return true
	default:
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest element if needed.
// Returns true when at least one element was dropped to make room.
func (rc *RingChannel[T]) ForceSend(v T) (dropped bool) {
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.stats.Written, 1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.stats.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// Receive blocks until a value is available or the channel is closed.
// The ok result is false if the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		atomic.AddInt64(&rc.stats.Processed, 1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.stats.Processed, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. After this, ForceSend panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Processed:   atomic.LoadInt64(&rc.stats.Processed),
		Written:     atomic.LoadInt64(&rc.stats.Written),
		Overwritten: atomic.LoadInt64(&rc.stats.Overwritten),
	}
}

// Stats holds lock-free counters for a RingChannel.
type Stats struct {
	Processed   int64
	Written     int64
	Overwritten int64
}
