package events

import (
	"testing"
	"time"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4, EventPositionOpened, EventPositionClosed)
	b, unsubB := bus.Subscribe(4, EventPositionClosed)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventPositionOpened, 1)
	bus.Publish(EventPositionClosed, PositionClosed{PositionID: 1})

	for i, want := range []Event{EventPositionOpened, EventPositionClosed} {
		select {
		case msg := <-a:
			if msg.Event != want {
				t.Errorf("a[%d] = %s, want %s", i, msg.Event, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("a[%d] not delivered", i)
		}
	}
	select {
	case msg := <-b:
		if p, ok := msg.Payload.(PositionClosed); !ok || p.PositionID != 1 {
			t.Errorf("b payload = %#v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("b not delivered")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(1, EventPriceTick)
	defer unsub()

	bus.Publish(EventPriceTick, 1)
	bus.Publish(EventPriceTick, 2)
	bus.Publish(EventPriceTick, 3)

	if got := bus.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestBusUnsubscribeTwice(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1, EventTriggerFired, EventCloseFailed)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	bus.Publish(EventTriggerFired, nil)

	var nilBus *Bus
	nilBus.Publish(EventTriggerFired, nil)
}
