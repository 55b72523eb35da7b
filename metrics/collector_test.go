package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := New()

	c.IncLinesRead()
	c.IncLinesRead()
	c.IncLinesDropped()
	c.IncParseErrors()
	c.IncEventsPushed()
	c.IncEventsPushed()
	c.IncEventsPopped()
	c.IncEventsDropped()
	c.IncEventsInserted()
	c.AddEventsDeleted(3)
	c.IncStoreErrors()
	c.IncSubprocessRestarts()
	c.IncSubprocessLaunchFailure()
	c.IncControlConnections()
	c.IncControlRequests()
	c.IncControlErrors()

	s := c.Snapshot()

	if s.LinesRead != 2 {
		t.Errorf("LinesRead = %d, want 2", s.LinesRead)
	}
	if s.LinesDropped != 1 {
		t.Errorf("LinesDropped = %d, want 1", s.LinesDropped)
	}
	if s.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", s.ParseErrors)
	}
	if s.EventsPushed != 2 {
		t.Errorf("EventsPushed = %d, want 2", s.EventsPushed)
	}
	if s.EventsPopped != 1 {
		t.Errorf("EventsPopped = %d, want 1", s.EventsPopped)
	}
	if s.EventsDropped != 1 {
		t.Errorf("EventsDropped = %d, want 1", s.EventsDropped)
	}
	if s.EventsInserted != 1 {
		t.Errorf("EventsInserted = %d, want 1", s.EventsInserted)
	}
	if s.EventsDeleted != 3 {
		t.Errorf("EventsDeleted = %d, want 3", s.EventsDeleted)
	}
	if s.StoreErrors != 1 {
		t.Errorf("StoreErrors = %d, want 1", s.StoreErrors)
	}
	if s.SubprocessRestarts != 1 {
		t.Errorf("SubprocessRestarts = %d, want 1", s.SubprocessRestarts)
	}
	if s.SubprocessLaunchFailure != 1 {
		t.Errorf("SubprocessLaunchFailure = %d, want 1", s.SubprocessLaunchFailure)
	}
	if s.ControlConnections != 1 {
		t.Errorf("ControlConnections = %d, want 1", s.ControlConnections)
	}
	if s.ControlRequests != 1 {
		t.Errorf("ControlRequests = %d, want 1", s.ControlRequests)
	}
	if s.ControlErrors != 1 {
		t.Errorf("ControlErrors = %d, want 1", s.ControlErrors)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.IncLinesRead()
	c.IncEventsPushed()
	c.AddEventsDeleted(5)
	if s := c.Snapshot(); s != (Snapshot{}) {
		t.Errorf("nil collector snapshot = %+v, want zero value", s)
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	const goroutines = 20
	const perGoroutine = 50
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.IncEventsPushed()
			}
		}()
	}
	wg.Wait()
	if got := c.Snapshot().EventsPushed; got != goroutines*perGoroutine {
		t.Errorf("EventsPushed = %d, want %d", got, goroutines*perGoroutine)
	}
}
