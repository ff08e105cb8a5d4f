// Package bridge moves events from blocking producers to a single consumer
// and fans session messages out to subscribed client channels.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout means no item arrived in time. Callers treat it as a
	// liveness tick.
	ErrTimeout = errors.New("bridge: receive timeout")
	ErrClosed  = errors.New("bridge: channel closed")
)

type Lane int

const (
	// Lossy is bounded; when full the oldest item is dropped.
	Lossy Lane = iota
	// Reliable is unbounded and never drops.
	Reliable
)

func (l Lane) String() string {
	if l == Reliable {
		return "reliable"
	}
	return "lossy"
}

type Stats struct {
	Sent      uint64
	Dropped   uint64
	Delivered uint64
	Pending   int
}

type entry[T any] struct {
	seq   uint64
	value T
}

// Channel is a single-producer, single-consumer queue with two lanes.
// Items are received in send order across both lanes.
type Channel[T any] struct {
	mu       sync.Mutex
	capacity int
	lossy    []entry[T]
	reliable []entry[T]
	seq      uint64
	closed   bool
	notify   chan struct{}

	sent      uint64
	dropped   uint64
	delivered uint64
}

// NewChannel creates a channel whose lossy lane holds at most capacity items.
func NewChannel[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{
		capacity: capacity,
		lossy:    make([]entry[T], 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Send enqueues v on lane. It reports whether an older lossy item was
// dropped to make room.
func (c *Channel[T]) Send(lane Lane, v T) (dropped bool, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.seq++
	e := entry[T]{seq: c.seq, value: v}
	if lane == Reliable {
		c.reliable = append(c.reliable, e)
	} else {
		if len(c.lossy) == c.capacity {
			copy(c.lossy, c.lossy[1:])
			c.lossy = c.lossy[:c.capacity-1]
			c.dropped++
			dropped = true
		}
		c.lossy = append(c.lossy, e)
	}
	c.sent++
	c.mu.Unlock()

	c.wake()
	return dropped, nil
}

// Receive blocks until an item is available, the timeout elapses
// (ErrTimeout), ctx ends, or the channel is closed and drained (ErrClosed).
func (c *Channel[T]) Receive(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		v, ok, closed := c.pop()
		if ok {
			return v, nil
		}
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-c.notify:
		case <-timer.C:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryReceive returns immediately.
func (c *Channel[T]) TryReceive() (T, bool) {
	v, ok, _ := c.pop()
	return v, ok
}

// Close stops further sends. Queued items can still be received.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
}

func (c *Channel[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sent:      c.sent,
		Dropped:   c.dropped,
		Delivered: c.delivered,
		Pending:   len(c.lossy) + len(c.reliable),
	}
}

func (c *Channel[T]) pop() (v T, ok bool, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(c.lossy) > 0 && (len(c.reliable) == 0 || c.lossy[0].seq < c.reliable[0].seq):
		v = c.lossy[0].value
		var zero entry[T]
		c.lossy[0] = zero
		c.lossy = append(c.lossy[:0], c.lossy[1:]...)
	case len(c.reliable) > 0:
		v = c.reliable[0].value
		var zero entry[T]
		c.reliable[0] = zero
		c.reliable = c.reliable[1:]
	default:
		return v, false, c.closed
	}
	c.delivered++
	return v, true, false
}

func (c *Channel[T]) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
