package events

import (
	"context"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus()
	sub := bus.Subscribe(ctx)

	bus.Publish(Event{Type: OfficerAuthorized, SessionID: "s1", Role: "treasurer"})

	select {
	case evt := <-sub:
		if evt.Type != OfficerAuthorized || evt.SessionID != "s1" || evt.Role != "treasurer" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.At.IsZero() {
			t.Fatal("Publish should stamp At")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus()
	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)

	bus.Publish(Event{Type: SessionApproved, SessionID: "s1"})

	for _, sub := range []<-chan Event{a, b} {
		select {
		case evt := <-sub:
			if evt.Type != SessionApproved {
				t.Fatalf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed fan-out")
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus()
	_ = bus.Subscribe(ctx) // never read

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: SessionExpired, SessionID: "s1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBusUnsubscribeOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus()
	sub := bus.Subscribe(ctx)

	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-sub:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}
