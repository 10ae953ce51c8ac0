package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	bus.Subscribe(EventTaskCompleted, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(EventTaskCompleted, map[string]interface{}{"task_id": "task_0000000001_deadbeef"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Data["task_id"] != "task_0000000001_deadbeef" {
		t.Errorf("unexpected payload: %+v", got[0].Data)
	}
	if got[0].ID == "" {
		t.Error("event ID must be set")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	delivered := make(chan Event, 10)
	unsub := bus.Subscribe(EventCellWritten, func(e Event) {
		delivered <- e
	})
	unsub()

	bus.Publish(EventCellWritten, nil)

	select {
	case <-delivered:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberPanicDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	done := make(chan struct{}, 2)
	bus.Subscribe(EventRunWarning, func(e Event) {
		done <- struct{}{}
		panic("subscriber bug")
	})

	bus.Publish(EventRunWarning, nil)
	bus.Publish(EventRunWarning, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never happened", i+1)
		}
	}
}
