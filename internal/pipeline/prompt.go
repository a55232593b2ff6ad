package pipeline

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/memory"
	"github.com/nextlevelbuilder/chatloom/internal/providers"
)

// buildRequest turns a flushed message and its selected history into a backend request.
func buildRequest(gen GenerationConfig, m bus.MergedMessage, history []memory.Weighted) providers.Request {
	system := gen.SystemPrompt
	if m.IsGroup && gen.GroupPrompt != "" {
		system = strings.TrimSpace(system + "\n\n" + gen.GroupPrompt)
	}

	turns := make([]providers.Turn, 0, len(history))
	for _, w := range history {
		human := w.HumanText
		if m.IsGroup && w.SenderName != "" && human != "" {
			human = fmt.Sprintf("[%s] %s", w.SenderName, human)
		}
		turns = append(turns, providers.Turn{Human: human, Assistant: w.AssistantText})
	}

	text := m.Text
	if m.IsGroup {
		text = fmt.Sprintf("[From: %s]\n%s", m.SenderName, m.Text)
	}

	return providers.Request{
		System:      system,
		History:     turns,
		Message:     text,
		Model:       gen.Model,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
	}
}

// humanText is the user side stored for an exchange, including messages
// folded in by an interrupt.
func humanText(m bus.MergedMessage, merged []bus.PendingMessage) string {
	if len(merged) == 0 {
		return m.Text
	}
	parts := []string{m.Text}
	for _, p := range merged {
		if m.IsGroup {
			parts = append(parts, fmt.Sprintf("[%s] %s", p.SenderName, p.Text))
		} else {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// pendingOf turns a flushed message back into a single pending fragment so it
// can join an in-flight generation.
func pendingOf(m bus.MergedMessage) bus.PendingMessage {
	return bus.PendingMessage{
		ConversantID: m.ConversantID,
		Channel:      m.Channel,
		ChatID:       m.ChatID,
		IsGroup:      m.IsGroup,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		Text:         m.Text,
		Mentioned:    m.Mentioned,
		Arrival:      m.Earliest,
	}
}
