// Package dispatch implements the Event Dispatcher: a single thread that
// drains the shared queue, persists each event to the store, and fans it
// out to registered callbacks filtered by kind and minimum severity.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/queue"
	"github.com/vnidsd/vnidsd/types"
)

const (
	batchSize    = 100
	idleSleep    = 10 * time.Millisecond
	maxCallbacks = 16
)

// Store is the persistence dependency the dispatcher appends events to. A
// failed Insert is counted but never fatal to dispatch.
type Store interface {
	Insert(types.Event) error
}

// Callback receives matching events. Callbacks run on the dispatcher's
// single goroutine and must not call back into Dispatcher methods.
type Callback func(event types.Event, user any)

type registration struct {
	fn          Callback
	user        any
	kindFilter  *types.Kind // nil means any kind
	minSeverity types.Severity
}

// Stats reports the dispatcher's lifetime counters.
type Stats struct {
	Dispatched int64
	StoreFails int64
}

// Dispatcher drains a queue.Queue[types.Event], persists each event, and
// delivers it to matching registered callbacks.
type Dispatcher struct {
	q     *queue.Queue[types.Event]
	store Store
	log   *log.Logger
	met   *metrics.Collector

	mu   sync.Mutex
	regs []registration

	dispatched atomic.Int64
	storeFails atomic.Int64

	done chan struct{}
}

// New constructs a Dispatcher over q, persisting to store.
func New(q *queue.Queue[types.Event], store Store, logger *log.Logger, met *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		q:     q,
		store: store,
		log:   logger.WithComponent("dispatch"),
		met:   met,
		done:  make(chan struct{}),
	}
}

// RegisterCallback adds fn to the callback list. A nil kindFilter matches
// every Kind; minSeverity bounds which events fn receives (fn receives an
// event iff event.Severity.AtLeastAsSevereAs(minSeverity)). Returns false
// once the callback table is full (maxCallbacks entries).
func (d *Dispatcher) RegisterCallback(fn Callback, user any, kindFilter *types.Kind, minSeverity types.Severity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.regs) >= maxCallbacks {
		return false
	}
	d.regs = append(d.regs, registration{fn: fn, user: user, kindFilter: kindFilter, minSeverity: minSeverity})
	return true
}

// Run drains the queue until ctx is cancelled, then drains whatever remains
// before returning. Closes its done channel on exit so Stop can join it.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		n := d.dispatchBatch()
		if ctx.Err() != nil {
			d.drain()
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				d.drain()
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// Stop blocks until Run has observed ctx cancellation, finished its shutdown
// drain, and exited. Run must already have been started in its own
// goroutine; calling Stop without a prior Run blocks forever.
func (d *Dispatcher) Stop() {
	<-d.done
}

func (d *Dispatcher) dispatchBatch() int {
	n := 0
	for ; n < batchSize; n++ {
		event, ok := d.q.Pop()
		if !ok {
			break
		}
		d.handle(event)
	}
	return n
}

func (d *Dispatcher) drain() {
	for {
		event, ok := d.q.Pop()
		if !ok {
			return
		}
		d.handle(event)
	}
}

func (d *Dispatcher) handle(event types.Event) {
	if err := d.store.Insert(event); err != nil {
		d.storeFails.Add(1)
		d.met.IncStoreErrors()
		d.log.Warn("store insert failed", map[string]any{"error": err.Error()})
	} else {
		d.met.IncEventsInserted()
	}
	d.met.IncEventsPopped()
	d.dispatched.Add(1)

	d.mu.Lock()
	regs := d.regs
	d.mu.Unlock()

	for _, r := range regs {
		if r.kindFilter != nil && *r.kindFilter != event.Kind {
			continue
		}
		if !event.Severity.AtLeastAsSevereAs(r.minSeverity) {
			continue
		}
		r.fn(event, r.user)
	}
}

// Stats returns a point-in-time snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Dispatched: d.dispatched.Load(), StoreFails: d.storeFails.Load()}
}
