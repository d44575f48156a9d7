package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.status_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "conn.status_changed" {
			t.Errorf("got kind %q, want conn.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.status_changed"})
	b.Publish(Event{Kind: "wa.message"})

	select {
	case evt := <-ch:
		if evt.Kind != "wa.message" {
			t.Errorf("got kind %q, want wa.message", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The conn event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish(Event{Kind: "conn.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestTapSeesMatchingEvents(t *testing.T) {
	b := New()
	var seen []string
	remove := b.AddTap("wa.", func(evt Event) {
		seen = append(seen, evt.Kind)
	})

	b.Publish(Event{Kind: "wa.message"})
	b.Publish(Event{Kind: "conn.status_changed"})

	if len(seen) != 1 || seen[0] != "wa.message" {
		t.Errorf("tap saw %v, want [wa.message]", seen)
	}

	remove()
	b.Publish(Event{Kind: "wa.message"})
	if len(seen) != 1 {
		t.Errorf("tap still active after removal, saw %v", seen)
	}
}

func TestEventNamespaceMatching(t *testing.T) {
	tests := []struct {
		kind      string
		namespace string
		want      bool
	}{
		{"wa.message", "wa.", true},
		{"wa.message", "wa.message", true},
		{"wa.message", "outbox.", false},
		{"outbox.send_ack", "", true},
		{"wa.group_update", "wa.group_", true},
	}
	for _, tt := range tests {
		evt := Event{Kind: tt.kind}
		if got := evt.In(tt.namespace); got != tt.want {
			t.Errorf("Event{%q}.In(%q) = %v, want %v", tt.kind, tt.namespace, got, tt.want)
		}
	}
}
