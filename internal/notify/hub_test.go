package notify

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Publish(Event{Type: EventIssueCreated, IssueID: "i-1"})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case ev := <-sub.C():
			if ev.IssueID != "i-1" || ev.Type != EventIssueCreated {
				t.Errorf("%s received %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the event", name)
		}
	}
}

// TestHub_SlowSubscriberDoesNotBlock はバッファ満杯の購読者がいても発行がブロックしないことを検証する。
func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()
	sub := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(Event{Type: EventCommentAdded})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if got := hub.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
	if got := len(sub.C()); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}
	if hub.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", hub.Subscribers())
	}
	hub.Close()
	sub.Close()
}

func TestHub_CloseEndsSubscribers(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range sub.C() {
		}
	}()

	hub.Close()
	wg.Wait()

	hub.Publish(Event{Type: EventIssueCreated})
	late := hub.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("subscription on closed hub should be closed")
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) should return Nop")
	}
	hub := NewHub(0)
	defer hub.Close()
	if OrNop(hub) != Publisher(hub) {
		t.Error("OrNop should return the given publisher")
	}
}
