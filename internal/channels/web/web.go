// Package web is a websocket chat channel for browsers and scripts.
//
// Clients send JSON frames:
//
//	{"chat_id": "...", "sender_id": "...", "sender_name": "...", "text": "...", "group": false, "mentioned": false}
//
// and receive {"type": "message", "chat_id": "...", "text": "..."} for every reply
// part addressed to a chat they have sent from or subscribed to via ?chat_id=.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/channels"
	"github.com/nextlevelbuilder/chatloom/internal/config"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 64 << 10
)

// InboundFrame is what a client sends.
type InboundFrame struct {
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Text       string `json:"text"`
	Group      bool   `json:"group,omitempty"`
	Mentioned  bool   `json:"mentioned,omitempty"`
}

// OutboundFrame is what a client receives.
type OutboundFrame struct {
	Type   string `json:"type"` // "message" or "error"
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text"`
}

// Channel serves websocket chat connections.
type Channel struct {
	*channels.BaseChannel
	config   config.WebConfig
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	conns map[string]*conn            // connection id → conn
	chats map[string]map[string]*conn // chat id → connection id → conn
}

type conn struct {
	id   string
	ws   *websocket.Conn
	wmu  sync.Mutex // serializes writes
	once sync.Once
}

// New creates a web channel from config.
func New(cfg config.WebConfig, router bus.MessageRouter) *Channel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel("web", router, cfg.AllowFrom),
		config:      cfg,
		conns:       make(map[string]*conn),
		chats:       make(map[string]map[string]*conn),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

// checkOrigin validates the Origin header against the allowed origins.
// No configured origins, or no Origin header (non-browser clients), allows the connection.
func (c *Channel) checkOrigin(r *http.Request) bool {
	allowed := c.config.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("web: origin rejected", "origin", origin)
	return false
}

// Handler returns the HTTP routes of the channel.
func (c *Channel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.config.Path, c.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connections":%d}`, c.Connections())
	})
	return mux
}

// Start binds the listen address and serves in the background.
func (c *Channel) Start(ctx context.Context) error {
	addr := c.config.Listen
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web listen %s: %w", addr, err)
	}
	c.server = &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}
	c.SetRunning(true)
	slog.Info("web: listening", "addr", ln.Addr().String(), "path", c.config.Path)

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web: server stopped", "error", err)
		}
		c.SetRunning(false)
	}()
	return nil
}

// Stop closes the listener and every open connection.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	var err error
	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = c.server.Shutdown(shutdownCtx)
	}

	c.mu.Lock()
	all := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		all = append(all, cn)
	}
	c.mu.Unlock()
	for _, cn := range all {
		cn.close()
	}
	return err
}

// Send writes one reply part to every connection subscribed to the chat.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("web channel not running")
	}
	c.mu.RLock()
	targets := make([]*conn, 0, len(c.chats[msg.ChatID]))
	for _, cn := range c.chats[msg.ChatID] {
		targets = append(targets, cn)
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("web chat %s has no open connection", msg.ChatID)
	}
	frame := OutboundFrame{Type: "message", ChatID: msg.ChatID, Text: msg.Content}
	var errs []error
	for _, cn := range targets {
		if err := cn.write(frame); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", cn.id, err))
		}
	}
	// A reply counts as delivered when any subscriber received it.
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// Connections returns the number of open connections.
func (c *Channel) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

func (c *Channel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("web: websocket upgrade failed", "error", err)
		return
	}
	cn := &conn{id: uuid.NewString(), ws: ws}
	c.register(cn)
	defer c.unregister(cn)

	if chatID := strings.TrimSpace(r.URL.Query().Get("chat_id")); chatID != "" {
		c.subscribe(cn, chatID)
	}
	slog.Debug("web: connection opened", "conn", cn.id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer close(done)
	go cn.keepalive(done)

	c.readLoop(cn)
}

func (c *Channel) readLoop(cn *conn) {
	cn.ws.SetReadLimit(maxFrame)
	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("web: connection closed", "conn", cn.id, "error", err)
			}
			return
		}
		var f InboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = cn.write(OutboundFrame{Type: "error", Text: "invalid frame: " + err.Error()})
			continue
		}
		if f.ChatID == "" || f.SenderID == "" {
			_ = cn.write(OutboundFrame{Type: "error", Text: "chat_id and sender_id are required"})
			continue
		}
		c.subscribe(cn, f.ChatID)
		c.HandleMessage(toInbound(f))
	}
}

func toInbound(f InboundFrame) bus.InboundMessage {
	kind := bus.PeerDirect
	if f.Group {
		kind = bus.PeerGroup
	}
	return bus.InboundMessage{
		ChatID:     f.ChatID,
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		MessageID:  f.MessageID,
		Content:    f.Text,
		PeerKind:   kind,
		Mentioned:  f.Group && f.Mentioned,
	}
}

func (c *Channel) register(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[cn.id] = cn
}

func (c *Channel) subscribe(cn *conn, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.chats[chatID]
	if subs == nil {
		subs = make(map[string]*conn)
		c.chats[chatID] = subs
	}
	subs[cn.id] = cn
}

func (c *Channel) unregister(cn *conn) {
	c.mu.Lock()
	delete(c.conns, cn.id)
	for chatID, subs := range c.chats {
		delete(subs, cn.id)
		if len(subs) == 0 {
			delete(c.chats, chatID)
		}
	}
	c.mu.Unlock()
	cn.close()
}

func (cn *conn) write(v any) error {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return cn.ws.WriteJSON(v)
}

func (cn *conn) keepalive(done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			cn.wmu.Lock()
			err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			cn.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (cn *conn) close() {
	cn.once.Do(func() { _ = cn.ws.Close() })
}
