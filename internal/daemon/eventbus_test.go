package daemon

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	eb := NewEventBus(10)
	events, unsubscribe := eb.Subscribe()

	eb.Publish(Event{Type: EventLoop, Scope: "alice", Message: "tracked"})
	got := <-events
	if got.Type != EventLoop || got.Scope != "alice" || got.TS == "" {
		t.Errorf("event = %+v", got)
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Error("channel still open after unsubscribe")
	}
	if n := eb.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	eb.Publish(Event{Type: EventTick})
}

func TestEventBusRecentBounded(t *testing.T) {
	eb := NewEventBus(3)
	for i := range 5 {
		eb.Publish(Event{Type: EventTick, Message: fmt.Sprint(i)})
	}
	recent := eb.Recent(0)
	if len(recent) != 3 || recent[0].Message != "2" || recent[2].Message != "4" {
		t.Errorf("recent = %+v", recent)
	}
	if last := eb.Recent(1); len(last) != 1 || last[0].Message != "4" {
		t.Errorf("Recent(1) = %+v", last)
	}
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	eb := NewEventBus(0)
	_, unsubscribe := eb.Subscribe()
	defer unsubscribe()
	for range 200 {
		eb.Publish(Event{Type: EventTick})
	}
}

func TestMarshalEvent(t *testing.T) {
	var e Event
	if err := json.Unmarshal(Event{Type: EventNudge, Scope: "bob"}.MarshalEvent(), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Type != EventNudge || e.Scope != "bob" || e.TS == "" {
		t.Errorf("event = %+v", e)
	}
}
