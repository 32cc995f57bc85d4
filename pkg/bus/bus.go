// Package bus decouples platform adapters from the rest of the
// platform with buffered inbound and outbound message channels.
package bus

import (
	"context"
	"sync"
)

type MessageBus struct {
	inbound  chan UnifiedMessage
	outbound chan OutboundMessage
	closed   bool
	mu       sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan UnifiedMessage, 100),
		outbound: make(chan OutboundMessage, 100),
	}
}

// PublishInbound enqueues a normalised adapter message. Messages
// published after Close are dropped.
func (mb *MessageBus) PublishInbound(msg UnifiedMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	mb.inbound <- msg
}

// ConsumeInbound returns the next inbound message and whether the read
// succeeded. The bool is false when the context is cancelled or the
// bus is closed.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (UnifiedMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return UnifiedMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	mb.outbound <- msg
}

// ConsumeOutbound returns the next outbound send request and whether
// the read succeeded.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}
