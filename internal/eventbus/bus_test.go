package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "job_executed", Data: "payload"})

	e := recv(t, ch)
	if e.Type != "job_executed" || e.Data != "payload" {
		t.Fatalf("event = %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatal("expected publish to stamp the time")
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.SubscribeTypes(4, "job_error", "job_missed")
	defer unsub()

	b.Publish(Event{Type: "job_executed"})
	b.Publish(Event{Type: "job_missed"})

	e := recv(t, ch)
	if e.Type != "job_missed" {
		t.Fatalf("Type = %s, want job_missed (job_executed must be filtered)", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Publish must never block, even with a full buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "job_executed"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1 (rest dropped)", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "job_executed"})
	// Unsubscribing twice is a no-op.
	unsub()
}
