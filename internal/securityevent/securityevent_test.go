package securityevent

import (
	"sync"
	"testing"
	"time"
)

func TestDispatchDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	d := NewDispatcher(8, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	d.Dispatch(Event{Kind: KindAuthFailure, ClientID: "203.0.113.9"})
	d.Dispatch(Event{Kind: KindRateLimitExceeded, ServiceID: "svc-a"})
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}
	if got[0].Kind != KindAuthFailure || got[1].Kind != KindRateLimitExceeded {
		t.Fatalf("events = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatal("At not stamped")
	}
}

func TestDispatchDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(1, func(Event) { <-block })

	// First event occupies the goroutine, second fills the queue, the
	// rest must drop without blocking.
	for i := 0; i < 10; i++ {
		d.Dispatch(Event{Kind: KindSSRFBlocked})
	}
	if d.Dropped() == 0 {
		t.Fatal("no events dropped")
	}
	close(block)
	d.Close()
}

func TestDispatchKeepsExplicitTimestamp(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var got Event
	d := NewDispatcher(1, func(ev Event) { got = ev })
	d.Dispatch(Event{Kind: KindSessionInvalidated, At: at})
	d.Close()

	if !got.At.Equal(at) {
		t.Fatalf("At = %v", got.At)
	}
}
