package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/channels"
	"github.com/nextlevelbuilder/chatloom/internal/config"
)

// maxMessageLen is the Discord limit for a single message.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string // populated on start
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, router bus.MessageRouter) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", router, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("discord: starting bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord: bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("discord: stopping bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers one reply part to a Discord channel.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}
	for _, chunk := range chunk(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	in := toInbound(m, c.botUserID)
	policy := c.config.DMPolicy
	if in.PeerKind == bus.PeerGroup {
		if ch, err := c.session.State.Channel(m.ChannelID); err == nil && ch.Name != "" {
			in.ChatName = ch.Name
		}
	}
	if !c.CheckPolicy(in.PeerKind, policy, c.config.GroupPolicy, in.SenderID) {
		slog.Debug("discord: message rejected by policy", "user_id", in.SenderID, "peer_kind", in.PeerKind)
		return
	}
	if in.Content == "" {
		return
	}

	slog.Debug("discord: message received",
		"sender_id", in.SenderID,
		"channel_id", in.ChatID,
		"mentioned", in.Mentioned,
		"preview", channels.Truncate(in.Content, 50),
	)
	c.HandleMessage(in)
}

// toInbound maps a gateway event to an inbound message. Raw mention tokens
// are rewritten to @name so the text reads as the user typed it.
func toInbound(m *discordgo.MessageCreate, botUserID string) bus.InboundMessage {
	kind := bus.PeerGroup
	if m.GuildID == "" {
		kind = bus.PeerDirect
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == botUserID {
			mentioned = true
			break
		}
	}
	if !mentioned && m.MessageReference != nil && m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil && m.ReferencedMessage.Author.ID == botUserID {
		mentioned = true
	}

	content := m.ContentWithMentionsReplaced()
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	return bus.InboundMessage{
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		MessageID:  m.ID,
		Content:    strings.TrimSpace(content),
		PeerKind:   kind,
		Mentioned:  kind == bus.PeerGroup && mentioned,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
		},
	}
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// chunk splits content into pieces of at most max bytes, preferring newline breaks.
func chunk(content string, max int) []string {
	var out []string
	for len(content) > max {
		cutAt := max
		if idx := strings.LastIndexByte(content[:max], '\n'); idx > max/2 {
			cutAt = idx + 1
		}
		out = append(out, content[:cutAt])
		content = content[cutAt:]
	}
	if content != "" {
		out = append(out, content)
	}
	return out
}
