package telegram

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

func groupMessage(text string) *telego.Message {
	return &telego.Message{
		MessageID: 42,
		Chat:      telego.Chat{ID: -100, Type: "supergroup", Title: "Book club"},
		From:      &telego.User{ID: 7, FirstName: "Amy", LastName: "Lee", Username: "amy"},
		Text:      text,
	}
}

func TestDetectMention(t *testing.T) {
	withEntity := groupMessage("@LoomBot hello")
	withEntity.Entities = []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 8}}

	command := groupMessage("/start@loombot")
	command.Entities = []telego.MessageEntity{{Type: "bot_command", Offset: 0, Length: 14}}

	caption := groupMessage("")
	caption.Caption = "look @loombot"

	reply := groupMessage("agreed")
	reply.ReplyToMessage = &telego.Message{From: &telego.User{Username: "loombot"}}

	replyOther := groupMessage("agreed")
	replyOther.ReplyToMessage = &telego.Message{From: &telego.User{Username: "ben"}}

	badEntity := groupMessage("hi")
	badEntity.Entities = []telego.MessageEntity{{Type: "mention", Offset: 1, Length: 20}}

	tests := []struct {
		name string
		msg  *telego.Message
		want bool
	}{
		{"entity mention", withEntity, true},
		{"bot command", command, true},
		{"caption", caption, true},
		{"reply to bot", reply, true},
		{"reply to someone else", replyOther, false},
		{"plain chatter", groupMessage("anyone for lunch?"), false},
		{"entity past end ignored", badEntity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMention(tt.msg, "loombot"); got != tt.want {
				t.Errorf("detectMention = %v, want %v", got, tt.want)
			}
		})
	}

	if detectMention(withEntity, "") {
		t.Error("mention detected without a bot username")
	}
}

func TestToInbound(t *testing.T) {
	in := toInbound(groupMessage("  @loombot what's up  "), "loombot")

	if in.PeerKind != bus.PeerGroup || !in.Mentioned {
		t.Errorf("kind = %q mentioned = %v", in.PeerKind, in.Mentioned)
	}
	if in.ChatID != "-100" || in.ChatName != "Book club" || in.MessageID != "42" {
		t.Errorf("chat fields = %+v", in)
	}
	if in.SenderID != "7|amy" || in.SenderName != "Amy Lee" {
		t.Errorf("sender = %q %q", in.SenderID, in.SenderName)
	}
	if in.Content != "@loombot what's up" {
		t.Errorf("content = %q", in.Content)
	}

	private := groupMessage("@loombot hi")
	private.Chat = telego.Chat{ID: 7, Type: "private"}
	if in := toInbound(private, "loombot"); in.PeerKind != bus.PeerDirect || in.Mentioned {
		t.Errorf("private: kind = %q mentioned = %v", in.PeerKind, in.Mentioned)
	}
}

func TestIsServiceMessage(t *testing.T) {
	if !isServiceMessage(&telego.Message{}) {
		t.Error("empty message not treated as service")
	}
	if isServiceMessage(groupMessage("hi")) {
		t.Error("text message treated as service")
	}
	if isServiceMessage(&telego.Message{Sticker: &telego.Sticker{}}) {
		t.Error("sticker treated as service")
	}
}

func TestParseChatID(t *testing.T) {
	if id, err := parseChatID("-100123"); err != nil || id != -100123 {
		t.Errorf("parseChatID = %d, %v", id, err)
	}
	if _, err := parseChatID("abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}
