package sessions

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

// --- keys ---

func TestConversantKey_RoundTrip(t *testing.T) {
	key := BuildConversantKey("telegram", bus.PeerGroup, "-100:7")
	if key != "telegram:group:-100:7" {
		t.Fatalf("key = %q", key)
	}
	ch, kind, chatID, ok := ParseConversantKey(key)
	if !ok || ch != "telegram" || kind != bus.PeerGroup || chatID != "-100:7" {
		t.Errorf("parse = %q %q %q %v", ch, kind, chatID, ok)
	}
	if !IsGroupKey(key) {
		t.Error("expected group key")
	}
}

func TestParseConversantKey_Malformed(t *testing.T) {
	for _, key := range []string{"", "telegram", "telegram:direct", "telegram:topic:1", ":direct:1"} {
		if _, _, _, ok := ParseConversantKey(key); ok {
			t.Errorf("ParseConversantKey(%q) should fail", key)
		}
	}
}

func TestChannelOf(t *testing.T) {
	tests := []struct{ key, want string }{
		{"discord:group:42", "discord"},
		{"web:topic:1", "web"},
		{"bare", ""},
	}
	for _, tt := range tests {
		if got := ChannelOf(tt.key); got != tt.want {
			t.Errorf("ChannelOf(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

// --- Registry ---

func pending(id string, at time.Time) bus.PendingMessage {
	return bus.PendingMessage{ConversantID: id, Channel: "web", ChatID: "c", SenderName: "bob", Arrival: at}
}

func TestRegistry_TouchAndReply(t *testing.T) {
	r := NewRegistry("")
	t0 := time.Unix(1000, 0)

	c := r.Touch(pending("web:direct:c", t0))
	if c.DisplayName != "bob" || !c.LastActivity.Equal(t0) {
		t.Errorf("conversant = %+v", c)
	}
	if !r.LastReply("web:direct:c").IsZero() {
		t.Error("no reply yet")
	}

	r.MarkReplied("web:direct:c", t0.Add(time.Second))
	if got := r.LastReply("web:direct:c"); !got.Equal(t0.Add(time.Second)) {
		t.Errorf("last reply = %v", got)
	}

	// Older activity does not move LastActivity backwards.
	r.Touch(pending("web:direct:c", t0.Add(-time.Minute)))
	c, _ = r.Get("web:direct:c")
	if !c.LastActivity.Equal(t0) {
		t.Errorf("last activity = %v", c.LastActivity)
	}
}

func TestRegistry_Sweep(t *testing.T) {
	r := NewRegistry("")
	t0 := time.Unix(1000, 0)
	r.Touch(pending("a", t0))
	r.Touch(pending("b", t0.Add(50*time.Minute)))

	removed := r.Sweep(t0.Add(70*time.Minute), time.Hour)
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("removed = %v", removed)
	}
	if _, ok := r.Get("a"); ok {
		t.Error("a should be gone")
	}
	if _, ok := r.Get("b"); !ok {
		t.Error("b should remain")
	}
}

func TestRegistry_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	r.Touch(pending("web:direct:c", time.Unix(1000, 0)))
	r.MarkReplied("web:direct:c", time.Unix(1010, 0))
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewRegistry(dir)
	c, ok := loaded.Get("web:direct:c")
	if !ok {
		t.Fatal("conversant not reloaded")
	}
	if !c.LastReply.Equal(time.Unix(1010, 0)) {
		t.Errorf("last reply = %v", c.LastReply)
	}
}
