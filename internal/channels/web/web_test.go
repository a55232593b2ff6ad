package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/config"
)

func startServer(t *testing.T, cfg config.WebConfig) (*Channel, *bus.MessageBus, string) {
	t.Helper()
	b := bus.New(8)
	ch := New(cfg, b)
	ch.SetRunning(true)
	srv := httptest.NewServer(ch.Handler())
	t.Cleanup(srv.Close)
	return ch, b, "ws" + strings.TrimPrefix(srv.URL, "http") + ch.config.Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func consume(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	return msg
}

func TestWeb_InboundAndReply(t *testing.T) {
	ch, b, url := startServer(t, config.WebConfig{})
	ws := dial(t, url)

	frame := InboundFrame{ChatID: "room1", SenderID: "u1", SenderName: "Amy", Text: "hi @loom", Group: true, Mentioned: true}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}

	msg := consume(t, b)
	if msg.Channel != "web" || msg.ChatID != "room1" || msg.SenderName != "Amy" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.PeerKind != bus.PeerGroup || !msg.Mentioned {
		t.Errorf("kind = %q mentioned = %v", msg.PeerKind, msg.Mentioned)
	}

	if err := ch.Send(context.Background(), bus.OutboundMessage{Channel: "web", ChatID: "room1", Content: "hello Amy"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out OutboundFrame
	if err := ws.ReadJSON(&out); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if out.Type != "message" || out.ChatID != "room1" || out.Text != "hello Amy" {
		t.Errorf("reply = %+v", out)
	}
}

func TestWeb_QuerySubscription(t *testing.T) {
	ch, _, url := startServer(t, config.WebConfig{Path: "/chat"})
	ws := dial(t, url+"?chat_id=lobby")

	deadline := time.Now().Add(2 * time.Second)
	for ch.Connections() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// subscription happens right after registration
	var err error
	for time.Now().Before(deadline) {
		if err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "lobby", Content: "welcome"}); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out OutboundFrame
	if err := ws.ReadJSON(&out); err != nil || out.Text != "welcome" {
		t.Fatalf("read = %+v, %v", out, err)
	}
}

func TestWeb_InvalidFrame(t *testing.T) {
	_, b, url := startServer(t, config.WebConfig{})
	ws := dial(t, url)

	if err := ws.WriteJSON(InboundFrame{Text: "no ids"}); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out OutboundFrame
	if err := ws.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Type != "error" {
		t.Errorf("frame = %+v, want error", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if msg, ok := b.ConsumeInbound(ctx); ok {
		t.Errorf("invalid frame published: %+v", msg)
	}
}

func TestWeb_SendWithoutConnection(t *testing.T) {
	ch := New(config.WebConfig{}, bus.New(1))
	ch.SetRunning(true)
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "nobody", Content: "x"}); err == nil {
		t.Error("expected error for chat without connections")
	}
	ch.SetRunning(false)
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "nobody", Content: "x"}); err == nil {
		t.Error("expected error when not running")
	}
}

func TestWeb_CheckOrigin(t *testing.T) {
	ch := New(config.WebConfig{AllowedOrigins: []string{"https://chat.example"}}, bus.New(1))

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://chat.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := ch.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestToInbound_PrivateIgnoresMention(t *testing.T) {
	in := toInbound(InboundFrame{ChatID: "c", SenderID: "s", Text: "x", Mentioned: true})
	if in.PeerKind != bus.PeerDirect || in.Mentioned {
		t.Errorf("got %+v", in)
	}
}
