package events

import (
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_DeliversInOrderToAllSubscribers(t *testing.T) {
	h := NewHub(16)
	a, b := h.Subscribe(), h.Subscribe()
	defer a.Close()
	defer b.Close()

	for i := 0; i < 3; i++ {
		h.PublishOutput("s1", fmt.Sprintf("chunk-%d", i))
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 3; i++ {
			ev := recv(t, sub)
			if ev.Type != TypePTYOutput {
				t.Fatalf("type = %q", ev.Type)
			}
			out := ev.Payload.(PTYOutput)
			if out.SessionID != "s1" || out.Chunk != fmt.Sprintf("chunk-%d", i) {
				t.Errorf("event %d = %+v", i, out)
			}
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(2)
	sub := h.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(TypeAgentStream, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if sub.Dropped() != 8 {
		t.Errorf("Dropped = %d, want 8", sub.Dropped())
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	h := NewHub(1)
	sub := h.Subscribe()
	sub.Close()
	sub.Close()

	if h.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", h.Subscribers())
	}
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel")
	}
	h.Publish(TypeAgentStream, "after close")
}
