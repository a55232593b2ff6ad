// Package intake turns raw transport events into normalized pending messages.
package intake

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/sessions"
)

// ErrMissingField is matched by every ConfigurationError.
var ErrMissingField = errors.New("missing required field")

// ConfigurationError reports an inbound event that lacks a required field.
// The event is dropped; processing continues with the next one.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("inbound event: %s: %s", ErrMissingField, e.Field)
}

func (e *ConfigurationError) Unwrap() error { return ErrMissingField }

// Prefix patterns written by bridges in front of the user's text.
// Only the first matching pattern is applied.
var prefixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\(此时时间为\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}(:\d{2})?\)\s+ta(私聊|在群聊里)对你说\s*`),
	regexp.MustCompile(`^[\[(]?\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}(:\d{2})?[\])]?\s+ta(私聊|在群聊里)对你说\s*`),
	regexp.MustCompile(`^.*?ta(私聊|在群聊里)对你说\s*`),
	regexp.MustCompile(`^[\[(]?\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}(:\d{2})?[\])]?\s+`),
}

var (
	quotePattern   = regexp.MustCompile(`\(引用消息:.*?\)\s*`)
	mentionPattern = regexp.MustCompile(`@[^\s\x{2005}\x{3000}]+`)
	spacePattern   = regexp.MustCompile(`[ \t\x{2005}\x{3000}]+`)
)

// CleanText strips transport prefixes and timestamps. A leading @mention removed
// together with a prefix is restored at the front.
func CleanText(raw string) string {
	text := strings.TrimSpace(raw)
	mention := mentionPattern.FindString(text)

	for _, p := range prefixPatterns {
		if p.MatchString(text) {
			text = p.ReplaceAllString(text, "")
			break
		}
	}
	text = quotePattern.ReplaceAllString(text, "")
	text = spacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if mention != "" && !strings.Contains(text, mention) {
		text = strings.TrimSpace(mention + " " + text)
	}
	return text
}

// Normalizer validates inbound events and produces PendingMessages.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a Normalizer stamping missing arrival times with time.Now.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize converts an inbound event. Events missing a required field, or with
// no text left after cleanup, return a *ConfigurationError.
func (n *Normalizer) Normalize(msg bus.InboundMessage) (bus.PendingMessage, error) {
	switch {
	case msg.Channel == "":
		return bus.PendingMessage{}, &ConfigurationError{Field: "channel"}
	case msg.ChatID == "":
		return bus.PendingMessage{}, &ConfigurationError{Field: "chat_id"}
	case msg.SenderID == "":
		return bus.PendingMessage{}, &ConfigurationError{Field: "sender_id"}
	}

	text := CleanText(msg.Content)
	if text == "" {
		return bus.PendingMessage{}, &ConfigurationError{Field: "text"}
	}
	if name := msg.SenderName; name != "" {
		// some bridges echo "name: text"
		if rest, ok := strings.CutPrefix(text, name+":"); ok && strings.TrimSpace(rest) != "" {
			text = strings.TrimSpace(rest)
		}
	}

	kind := msg.PeerKind
	if kind == "" {
		kind = bus.PeerDirect
	}
	arrival := msg.Arrival
	if arrival.IsZero() {
		arrival = n.now()
	}
	senderName := msg.SenderName
	if senderName == "" {
		senderName = msg.SenderID
	}

	return bus.PendingMessage{
		ConversantID: sessions.BuildConversantKey(msg.Channel, kind, msg.ChatID),
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		IsGroup:      kind == bus.PeerGroup,
		SenderID:     msg.SenderID,
		SenderName:   senderName,
		Text:         text,
		Mentioned:    kind == bus.PeerGroup && msg.Mentioned,
		Arrival:      arrival,
	}, nil
}
