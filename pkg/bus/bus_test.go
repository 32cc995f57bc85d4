package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(UnifiedMessage{ID: "m1", Platform: "telegram", Content: "hi"})

	msg, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("ConsumeInbound() ok = false, want true")
	}
	if msg.ID != "m1" || msg.Platform != "telegram" {
		t.Errorf("got %+v, want m1/telegram", msg)
	}
}

func TestConsumeInbound_ContextCancelled(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound() ok = true on cancelled context")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	// Must not panic on a closed channel.
	mb.PublishInbound(UnifiedMessage{ID: "late"})
	mb.PublishOutbound(OutboundMessage{ChatID: "c1"})

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Error("ConsumeInbound() ok = true after close")
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishOutbound(OutboundMessage{IntegrationID: "tg-main", ChatID: "42", Content: "pong"})

	msg, ok := mb.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("ConsumeOutbound() ok = false, want true")
	}
	if msg.IntegrationID != "tg-main" || msg.ChatID != "42" {
		t.Errorf("got %+v", msg)
	}
}

func TestClose_Idempotent(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()
}
