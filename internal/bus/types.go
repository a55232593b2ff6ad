package bus

import (
	"context"
	"time"
)

// PeerKind distinguishes one-to-one chats from multi-party channels.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// InboundMessage represents a message received from a channel (Telegram, Discord, web).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	ChatName   string            `json:"chat_name,omitempty"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	MessageID  string            `json:"message_id,omitempty"` // transport id, used for redelivery dedupe
	Content    string            `json:"content"`
	PeerKind   PeerKind          `json:"peer_kind,omitempty"`
	Mentioned  bool              `json:"mentioned,omitempty"` // bot was @-mentioned or replied to (groups only)
	Arrival    time.Time         `json:"arrival"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsGroup reports whether the message came from a multi-party channel.
func (m InboundMessage) IsGroup() bool { return m.PeerKind == PeerGroup }

// PendingMessage is a normalized inbound event waiting in a debounce session.
type PendingMessage struct {
	ConversantID string
	Channel      string
	ChatID       string
	IsGroup      bool
	SenderID     string
	SenderName   string
	Text         string // cleaned text
	Mentioned    bool
	Arrival      time.Time
}

// MergedMessage is the output of a debounce flush.
type MergedMessage struct {
	ConversantID string
	Channel      string
	ChatID       string
	IsGroup      bool
	SenderID     string
	SenderName   string
	Text         string
	Mentioned    bool      // any merged fragment mentioned the bot
	Earliest     time.Time // arrival of the first fragment
	Fragments    int
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// MessageRouter abstracts inbound/outbound message routing between channels and the pipeline.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
