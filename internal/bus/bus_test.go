package bus

import (
	"context"
	"testing"
	"time"
)

// --- MessageBus ---

func TestMessageBus_InboundStampsArrival(t *testing.T) {
	b := New(4)
	b.PublishInbound(InboundMessage{Channel: "web", ChatID: "c1", Content: "hi"})

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Arrival.IsZero() {
		t.Error("arrival should be stamped on publish")
	}
}

func TestMessageBus_ConsumeHonorsContext(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected ok=false on cancelled context")
	}
	if _, ok := b.SubscribeOutbound(ctx); ok {
		t.Error("expected ok=false on cancelled context")
	}
}

func TestMessageBus_OutboundOrder(t *testing.T) {
	b := New(4)
	b.PublishOutbound(OutboundMessage{Content: "one"})
	b.PublishOutbound(OutboundMessage{Content: "two"})

	ctx := context.Background()
	first, _ := b.SubscribeOutbound(ctx)
	second, _ := b.SubscribeOutbound(ctx)
	if first.Content != "one" || second.Content != "two" {
		t.Errorf("got %q, %q", first.Content, second.Content)
	}
}

// --- DedupeCache ---

func TestDedupeCache_DetectsRepeat(t *testing.T) {
	c := NewDedupeCache(time.Minute, 10)
	if c.IsDuplicate("m1") {
		t.Fatal("first sighting is not a duplicate")
	}
	if !c.IsDuplicate("m1") {
		t.Error("second sighting should be a duplicate")
	}
	if c.IsDuplicate("") {
		t.Error("empty key is never a duplicate")
	}
}

func TestDedupeCache_Expires(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewDedupeCache(time.Minute, 10)
	c.nowFunc = func() time.Time { return now }

	c.IsDuplicate("m1")
	now = now.Add(2 * time.Minute)
	if c.IsDuplicate("m1") {
		t.Error("expired key should not be a duplicate")
	}
}

func TestDedupeCache_BoundedSize(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewDedupeCache(time.Hour, 3)
	c.nowFunc = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		c.IsDuplicate(k)
	}
	if c.Len() > 3 {
		t.Errorf("len = %d, want <= 3", c.Len())
	}
	if c.IsDuplicate("e") != true {
		t.Error("newest key should still be tracked")
	}
}
