package queue

import (
	"sync"
	"testing"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d: unexpectedly full", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: unexpectedly empty", i)
		}
		if v != i {
			t.Fatalf("pop order: got %d, want %d", v, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop on empty queue should fail")
	}
}

func TestPushDropsOnFull(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d should succeed within capacity", i)
		}
	}
	if q.Push(99) {
		t.Fatal("push beyond capacity should be refused")
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("dropped counter = %d, want 1", q.Stats().Dropped)
	}

	// 6 pushed into a cap-4 queue while the consumer is paused yields 4
	// stored, 2 dropped, no duplication.
	q2 := New[int](4)
	accepted := 0
	for i := 0; i < 6; i++ {
		if q2.Push(i) {
			accepted++
		}
	}
	if accepted != 4 {
		t.Fatalf("accepted = %d, want 4", accepted)
	}
	if q2.Stats().Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", q2.Stats().Dropped)
	}
}

func TestDrainAccountsForPushed(t *testing.T) {
	q := New[int](16)
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	for i := 0; i < 3; i++ {
		q.Pop()
	}
	drained := q.Drain()
	if drained != 7 {
		t.Fatalf("drained = %d, want 7", drained)
	}
	st := q.Stats()
	if st.Pushed != st.Popped {
		t.Fatalf("pushed %d != popped %d", st.Pushed, st.Popped)
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	const producers = 8
	const perProducer = 500
	q := New[int](producers * perProducer)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(id*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool, producers*perProducer)
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		if seen[v] {
			t.Fatalf("duplicate delivery of %d", v)
		}
		seen[v] = true
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("delivered %d events, want %d", len(seen), producers*perProducer)
	}
}
