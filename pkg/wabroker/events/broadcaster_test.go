package events

import (
	"sync"
	"testing"
	"time"
)

func snapshotOf(state string) SnapshotFunc {
	return func() Event {
		return Event{Type: TypeStatus, Data: map[string]any{"state": state}}
	}
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-s.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeReceivesSnapshot(t *testing.T) {
	b := New(4, nil)
	b.SetSnapshot(snapshotOf("AwaitingScan"))

	s := b.Subscribe()
	defer s.Close()

	evt := recv(t, s)
	if evt.Type != TypeStatus {
		t.Fatalf("expected status event, got %s", evt.Type)
	}
	data := evt.Data.(map[string]any)
	if data["state"] != "AwaitingScan" {
		t.Errorf("expected AwaitingScan snapshot, got %v", data["state"])
	}
	if evt.Time.IsZero() {
		t.Error("expected snapshot timestamp")
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New(4, nil)
	subs := []*Subscription{b.Subscribe(), b.Subscribe(), b.Subscribe()}

	b.Publish(Event{Type: TypeQR, Data: "Q1"})

	for i, s := range subs {
		evt := recv(t, s)
		if evt.Type != TypeQR || evt.Data != "Q1" {
			t.Errorf("subscriber %d: unexpected event %+v", i, evt)
		}
	}
	if b.Published() != 1 {
		t.Errorf("expected 1 published event, got %d", b.Published())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New(2, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeNewMessage, Data: i})
		}
		close(done)
	}()

	go func() {
		for range fast.C() {
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	if slow.Dropped() == 0 {
		t.Error("expected the slow subscriber to drop events")
	}

	// The newest event survives the overflow.
	var last Event
	for len(slow.C()) > 0 {
		last = <-slow.C()
	}
	if last.Data != 99 {
		t.Errorf("expected newest event 99 to be retained, got %v", last.Data)
	}
	fast.Close()
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(1, nil)
	s := b.Subscribe()
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Count())
	}

	b.Unsubscribe(s)
	b.Unsubscribe(s)
	s.Close()

	if b.Count() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.Count())
	}
	if _, ok := <-s.C(); ok {
		t.Error("expected closed channel")
	}
	b.Unsubscribe(nil)
}

func TestUnsubscribeRacesPublish(t *testing.T) {
	b := New(1, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		s := b.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(Event{Type: TypeStatus})
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	if b.Count() != 0 {
		t.Errorf("expected all subscribers removed, got %d", b.Count())
	}
}

func TestClose(t *testing.T) {
	b := New(1, nil)
	s := b.Subscribe()
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Error("expected subscriber channel closed after Close")
	}
	b.Publish(Event{Type: TypeStatus})
	late := b.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("expected late subscription to be closed")
	}
	s.Close()
	b.Close()
}
