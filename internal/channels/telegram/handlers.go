package telegram

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/channels"
)

// handleMessage forwards one user message to the bus.
func (c *Channel) handleMessage(message *telego.Message) {
	if isServiceMessage(message) || message.From == nil || message.From.IsBot {
		return
	}

	in := toInbound(message, c.bot.Username())
	if in.Content == "" {
		return
	}
	if !c.CheckPolicy(in.PeerKind, c.config.DMPolicy, c.config.GroupPolicy, in.SenderID) {
		slog.Debug("telegram: message rejected by policy",
			"sender_id", in.SenderID, "chat_id", in.ChatID, "peer_kind", in.PeerKind)
		return
	}

	slog.Debug("telegram: message received",
		"chat_id", in.ChatID,
		"sender_id", in.SenderID,
		"mentioned", in.Mentioned,
		"text_preview", channels.Truncate(in.Content, 60),
	)
	c.HandleMessage(in)
}

// toInbound maps a Telegram message to an inbound message. The sender id
// carries the username as "id|username" so allowlists can match either.
func toInbound(message *telego.Message, botUsername string) bus.InboundMessage {
	user := message.From
	senderID := fmt.Sprintf("%d", user.ID)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}

	kind := bus.PeerDirect
	if message.Chat.Type == "group" || message.Chat.Type == "supergroup" {
		kind = bus.PeerGroup
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	return bus.InboundMessage{
		ChatID:     fmt.Sprintf("%d", message.Chat.ID),
		ChatName:   message.Chat.Title,
		SenderID:   senderID,
		SenderName: displayName(user),
		MessageID:  fmt.Sprintf("%d", message.MessageID),
		Content:    strings.TrimSpace(text),
		PeerKind:   kind,
		Mentioned:  kind == bus.PeerGroup && detectMention(message, botUsername),
		Metadata:   map[string]string{"username": user.Username},
	}
}

func displayName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// detectMention checks if a Telegram message mentions the bot.
// Checks both msg.Text/Entities (text messages) and msg.Caption/CaptionEntities (photo/media messages).
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			end := entity.Offset + entity.Length
			if entity.Offset < 0 || end > len(pair.text) {
				continue
			}
			switch entity.Type {
			case "mention":
				if strings.EqualFold(pair.text[entity.Offset:end], "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(pair.text[entity.Offset:end]), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	// Entity offsets are UTF-16 units; the substring check covers text they miss.
	if strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) ||
		strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Reply to bot's message = implicit mention
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		if strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
			return true
		}
	}
	return false
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (member added/removed, title changed, pinned, etc.) rather than a user-sent message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
