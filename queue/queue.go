// Package queue implements the event queue: a bounded, intrusive-linked-list
// multi-producer/single-consumer queue in the style described by Dmitry
// Vyukov, with drop-on-overflow semantics and atomic counters.
package queue

import (
	"sync/atomic"
)

// node is a single queue element. Once linked by a producer, its payload is
// immutable; the consumer owns the node's lifetime once popped.
type node[T any] struct {
	next atomic.Pointer[node[T]]
	val  T
}

// Stats reports the lifetime counters for a Queue.
type Stats struct {
	Pushed  uint64
	Popped  uint64
	Dropped uint64
}

// Queue is a bounded MPSC queue of T. The zero value is not usable; use New.
type Queue[T any] struct {
	head atomic.Pointer[node[T]] // consumer-owned
	tail atomic.Pointer[node[T]] // producer-exchanged

	size atomic.Int64
	cap  int64

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Queue bounded at capacity cap. A stub node is allocated so
// head == tail when empty, per the Vyukov construction.
func New[T any](cap int) *Queue[T] {
	if cap <= 0 {
		cap = 1
	}
	stub := &node[T]{}
	q := &Queue[T]{cap: int64(cap)}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Push enqueues an event. Returns false and increments the dropped counter
// if the queue is at capacity; never blocks.
func (q *Queue[T]) Push(v T) bool {
	if q.size.Load() >= q.cap {
		q.dropped.Add(1)
		return false
	}
	q.size.Add(1)

	n := &node[T]{val: v}
	prev := q.tail.Swap(n)
	prev.next.Store(n)

	q.pushed.Add(1)
	return true
}

// Pop dequeues the oldest event. Returns (zero, false) if the queue is
// empty. Single-consumer only: concurrent callers of Pop are not safe.
func (q *Queue[T]) Pop() (T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	v := next.val
	q.head.Store(next)
	q.size.Add(-1)
	q.popped.Add(1)
	return v, true
}

// Len returns an approximate current size; producers and the consumer race
// against it, so callers must treat it as advisory.
func (q *Queue[T]) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Drain pops every remaining event, discarding the values, until the queue
// reports empty, and returns how many it popped. Drained events go through
// Pop and so count toward Popped: after a Drain, Pushed equals Popped.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		if _, ok := q.Pop(); !ok {
			return n
		}
		n++
	}
}

// Stats returns a point-in-time snapshot of the lifetime counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Pushed:  q.pushed.Load(),
		Popped:  q.popped.Load(),
		Dropped: q.dropped.Load(),
	}
}
