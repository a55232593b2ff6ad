package bus

import (
	"context"
	"log/slog"
	"time"
)

const defaultBufferSize = 256

// MessageBus is a buffered in-process MessageRouter.
// Publishing never blocks longer than publishTimeout; overflowing messages are dropped and logged.
type MessageBus struct {
	inbound        chan InboundMessage
	outbound       chan OutboundMessage
	publishTimeout time.Duration
}

// New creates a MessageBus. size <= 0 uses the default buffer size.
func New(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:        make(chan InboundMessage, size),
		outbound:       make(chan OutboundMessage, size),
		publishTimeout: 5 * time.Second,
	}
}

// PublishInbound queues a message from a channel. Zero arrival times are stamped with now.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.Arrival.IsZero() {
		msg.Arrival = time.Now()
	}
	select {
	case b.inbound <- msg:
	case <-time.After(b.publishTimeout):
		slog.Warn("bus: inbound buffer full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues a message for a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-time.After(b.publishTimeout):
		slog.Warn("bus: outbound buffer full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
