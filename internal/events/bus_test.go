package events

import (
	"reflect"
	"testing"
)

func TestBus_PublishReachesMatchingSubscribers(t *testing.T) {
	b := NewBus()

	var got []string
	b.Subscribe("chat", "tool_called", func(ev Event) {
		got = append(got, ev.Payload["toolName"].(string))
	})

	b.Publish(Event{Source: "chat", Type: "tool_called", Payload: map[string]any{"toolName": "read_file"}})
	b.Publish(Event{Source: "chat", Type: "message_sent", Payload: map[string]any{"toolName": "nope"}})

	if !reflect.DeepEqual(got, []string{"read_file"}) {
		t.Errorf("got = %v", got)
	}
}

func TestBus_RegistrationOrder(t *testing.T) {
	b := NewBus()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe("s", "t", func(Event) { order = append(order, i) })
	}

	b.Publish(Event{Source: "s", Type: "t"})
	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Errorf("order = %v", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()

	fired := false
	id := b.Subscribe("s", "t", func(Event) { fired = true })
	if b.SubscriberCount("s", "t") != 1 {
		t.Fatalf("count = %d", b.SubscriberCount("s", "t"))
	}

	b.Unsubscribe(id)
	b.Publish(Event{Source: "s", Type: "t"})
	if fired {
		t.Error("handler fired after unsubscribe")
	}
	if b.SubscriberCount("s", "t") != 0 {
		t.Errorf("count = %d", b.SubscriberCount("s", "t"))
	}

	// Unknown id is a no-op.
	b.Unsubscribe(999)
}

func TestBus_PublishWithNoSubscribers(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Source: "s", Type: "t"})
}

func TestBus_DistinctKeysIsolated(t *testing.T) {
	b := NewBus()

	var a, c int
	b.Subscribe("chat", "tool_called", func(Event) { a++ })
	b.Subscribe("schedule", "tool_called", func(Event) { c++ })

	b.Publish(Event{Source: "chat", Type: "tool_called"})
	if a != 1 || c != 0 {
		t.Errorf("a = %d, c = %d", a, c)
	}
}
