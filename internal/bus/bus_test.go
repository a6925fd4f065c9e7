package bus

import (
	"testing"
	"time"

	"github.com/plugink/plugink/internal/ids"
)

func TestSendDirectAndReceive(t *testing.T) {
	b := New(nil, Config{PerPluginQueueCapacity: 4})
	from := ids.NewPluginId()
	to := ids.NewPluginId()

	if _, err := b.SendDirect(from, to, []byte("hello"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := b.NextMessage(to)
	if !ok {
		t.Fatal("expected a message to be delivered")
	}
	if string(m.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", m.Payload)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	b := New(nil, Config{PerPluginQueueCapacity: 1})
	from := ids.NewPluginId()
	to := ids.NewPluginId()

	if _, err := b.SendDirect(from, to, []byte("a"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.SendDirect(from, to, []byte("b"), 0); err == nil {
		t.Fatal("expected queue full error on second send")
	}
}

func TestPublishSubscribeAndRetention(t *testing.T) {
	b := New(nil, Config{PerPluginQueueCapacity: 4, TopicRetention: 2})
	from := ids.NewPluginId()

	b.Publish(from, "events", []byte("1"), 0)
	b.Publish(from, "events", []byte("2"), 0)
	b.Publish(from, "events", []byte("3"), 0)

	subscriber := ids.NewPluginId()
	backlog := b.Subscribe(subscriber, "events")
	if len(backlog) != 2 {
		t.Fatalf("expected retention-bounded backlog of 2, got %d", len(backlog))
	}
	if string(backlog[0].Payload) != "2" || string(backlog[1].Payload) != "3" {
		t.Fatalf("expected backlog to be the 2 most recent messages, got %+v", backlog)
	}

	b.Publish(from, "events", []byte("4"), 0)
	m, ok := b.NextMessage(subscriber)
	if !ok || string(m.Payload) != "4" {
		t.Fatalf("expected subscriber to receive new publish after subscribing, got %+v ok=%v", m, ok)
	}
}

func TestMessageTTLExpiration(t *testing.T) {
	b := New(nil, Config{PerPluginQueueCapacity: 4})
	from := ids.NewPluginId()
	to := ids.NewPluginId()
	fixed := time.Now()
	b.now = func() time.Time { return fixed }

	if _, err := b.SendDirect(from, to, []byte("expiring"), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b.now = func() time.Time { return fixed.Add(time.Second) }
	if _, ok := b.NextMessage(to); ok {
		t.Fatal("expected expired message to be discarded rather than delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, Config{PerPluginQueueCapacity: 4})
	from := ids.NewPluginId()
	subscriber := ids.NewPluginId()

	b.Subscribe(subscriber, "topic")
	b.Unsubscribe(subscriber, "topic")
	b.Publish(from, "topic", []byte("x"), 0)

	if _, ok := b.NextMessage(subscriber); ok {
		t.Fatal("expected no delivery after unsubscribe")
	}
}
