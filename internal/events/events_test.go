package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBus(8)
	defer b.Close()
	sub := b.Subscribe()

	b.Publish(Event{ExecutionID: "e1", Module: "mod", State: "completed", FuelUsed: 10})
	b.Publish(Event{ExecutionID: "e2", Module: "mod", State: "trapped"})

	first := <-sub.Events()
	if first.ExecutionID != "e1" || first.State != "completed" {
		t.Fatalf("first event = %+v", first)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("Publish must stamp events")
	}
	second := <-sub.Events()
	if second.ExecutionID != "e2" {
		t.Fatalf("second event = %+v", second)
	}
}

func TestPublishFansOut(t *testing.T) {
	b := NewBus(8)
	defer b.Close()
	one := b.Subscribe()
	two := b.Subscribe()
	if b.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d", b.Subscribers())
	}

	b.Publish(Event{ExecutionID: "e1"})
	if got := <-one.Events(); got.ExecutionID != "e1" {
		t.Fatalf("subscriber one got %+v", got)
	}
	if got := <-two.Events(); got.ExecutionID != "e1" {
		t.Fatalf("subscriber two got %+v", got)
	}
}

func TestOverflowDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus(2)
	defer b.Close()
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(Event{ExecutionID: "e"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if sub.Dropped() != 3 {
		t.Fatalf("Dropped() = %d, want 3", sub.Dropped())
	}
	published, dropped := b.Stats()
	if published != 5 || dropped != 3 {
		t.Fatalf("Stats() = %d published, %d dropped", published, dropped)
	}
	if len(sub.Events()) != 2 {
		t.Fatalf("buffered = %d, want 2", len(sub.Events()))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(2)
	defer b.Close()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
	// Idempotent, and publishing afterwards must not panic.
	b.Unsubscribe(sub)
	b.Publish(Event{ExecutionID: "e1"})
	if b.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d", b.Subscribers())
	}
}

func TestCloseDropsEverySubscriber(t *testing.T) {
	b := NewBus(2)
	one := b.Subscribe()
	two := b.Subscribe()

	b.Close()
	if _, ok := <-one.Events(); ok {
		t.Fatal("subscriber one still open after Close")
	}
	if _, ok := <-two.Events(); ok {
		t.Fatal("subscriber two still open after Close")
	}

	// Publish and a late Subscribe are harmless on a closed bus.
	b.Publish(Event{ExecutionID: "e1"})
	late := b.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatal("late subscription must start closed")
	}
	b.Close()
}
