package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/queue"
	"github.com/vnidsd/vnidsd/types"
)

type fakeStore struct {
	mu      sync.Mutex
	events  []types.Event
	failAll bool
}

func (f *fakeStore) Insert(e types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("insert failed")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newEvent(kind types.Kind, sev types.Severity) types.Event {
	return types.NewEvent("id", types.Timestamp{}, kind, sev, types.ProtocolTCP, types.Endpoint{}, types.Endpoint{}, types.RuleMatch{}, "m")
}

func TestDispatcher_StoresAndFansOut(t *testing.T) {
	q := queue.New[types.Event](16)
	store := &fakeStore{}
	logger := log.New(log.LevelError)
	d := New(q, store, logger, metrics.New())

	var received []types.Event
	var mu sync.Mutex
	d.RegisterCallback(func(e types.Event, user any) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, nil, nil, types.SeverityInfo)

	q.Push(newEvent(types.KindAlert, types.SeverityCritical))
	q.Push(newEvent(types.KindAnomaly, types.SeverityMedium))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if store.len() != 2 {
		t.Fatalf("store got %d events, want 2", store.len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("callback received %d events, want 2", len(received))
	}
}

func TestDispatcher_SeverityFilter(t *testing.T) {
	q := queue.New[types.Event](16)
	store := &fakeStore{}
	d := New(q, store, log.New(log.LevelError), metrics.New())

	var received int
	d.RegisterCallback(func(e types.Event, user any) { received++ }, nil, nil, types.SeverityHigh)

	q.Push(newEvent(types.KindAlert, types.SeverityCritical)) // passes (critical <= high)
	q.Push(newEvent(types.KindAlert, types.SeverityLow))      // filtered out (low > high)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if received != 1 {
		t.Fatalf("received = %d, want 1", received)
	}
}

func TestDispatcher_KindFilter(t *testing.T) {
	q := queue.New[types.Event](16)
	store := &fakeStore{}
	d := New(q, store, log.New(log.LevelError), metrics.New())

	alertKind := types.KindAlert
	var received int
	d.RegisterCallback(func(e types.Event, user any) { received++ }, nil, &alertKind, types.SeverityInfo)

	q.Push(newEvent(types.KindAlert, types.SeverityInfo))
	q.Push(newEvent(types.KindAnomaly, types.SeverityInfo))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if received != 1 {
		t.Fatalf("received = %d, want 1", received)
	}
}

func TestDispatcher_StoreFailureCountedNotFatal(t *testing.T) {
	q := queue.New[types.Event](16)
	store := &fakeStore{failAll: true}
	d := New(q, store, log.New(log.LevelError), metrics.New())

	q.Push(newEvent(types.KindAlert, types.SeverityInfo))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if d.Stats().StoreFails != 1 {
		t.Fatalf("StoreFails = %d, want 1", d.Stats().StoreFails)
	}
	if d.Stats().Dispatched != 1 {
		t.Fatalf("Dispatched = %d, want 1", d.Stats().Dispatched)
	}
}

func TestDispatcher_CallbackTableIsBounded(t *testing.T) {
	q := queue.New[types.Event](16)
	d := New(q, &fakeStore{}, log.New(log.LevelError), metrics.New())

	for i := 0; i < maxCallbacks; i++ {
		if !d.RegisterCallback(func(types.Event, any) {}, nil, nil, types.SeverityInfo) {
			t.Fatalf("registration %d refused below the cap", i)
		}
	}
	if d.RegisterCallback(func(types.Event, any) {}, nil, nil, types.SeverityInfo) {
		t.Fatal("registration beyond the cap should be refused")
	}
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	q := queue.New[types.Event](16)
	store := &fakeStore{}
	d := New(q, store, log.New(log.LevelError), metrics.New())

	for i := 0; i < 5; i++ {
		q.Push(newEvent(types.KindAlert, types.SeverityInfo))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	if store.len() != 5 {
		t.Fatalf("store got %d events after shutdown drain, want 5", store.len())
	}
}
