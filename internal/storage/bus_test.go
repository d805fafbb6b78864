package storage

import (
	"sync"
	"testing"
	"time"
)

func TestBusDeliversInOrderPerKind(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var order []string

	unsubscribe := b.Subscribe(EventSet, func(e Event) {
		mu.Lock()
		order = append(order, e.Key)
		mu.Unlock()
	})
	defer unsubscribe()

	for _, key := range []string{"a", "b", "c"} {
		b.Emit(Event{Kind: EventSet, Key: key})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if order[i] != k {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestBusOnlyDeliversToMatchingKind(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var gotSet, gotDelete bool
	b.Subscribe(EventSet, func(e Event) { gotSet = true })
	b.Subscribe(EventDelete, func(e Event) { gotDelete = true })

	b.Emit(Event{Kind: EventSet})

	waitFor(t, func() bool { return gotSet })
	time.Sleep(20 * time.Millisecond)
	if gotDelete {
		t.Fatalf("expected no delivery to the delete subscriber")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var count int
	var mu sync.Mutex
	unsubscribe := b.Subscribe(EventGet, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Emit(Event{Kind: EventGet})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsubscribe()
	b.Emit(Event{Kind: EventGet})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected no further delivery after unsubscribe, count=%d", count)
	}
}

func TestBusHandlerPanicDoesNotKillDispatch(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.Subscribe(EventError, func(e Event) { panic("boom") })

	var recovered bool
	var mu sync.Mutex
	b.Subscribe(EventError, func(e Event) {
		mu.Lock()
		recovered = true
		mu.Unlock()
	})

	b.Emit(Event{Kind: EventError})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return recovered
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
