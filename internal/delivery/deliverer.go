package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/memory"
)

// Sender is the transport. channels.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Config controls segmentation and pacing.
type Config struct {
	MaxPartWidth int           // display columns per part, 0 = unlimited
	PartInterval time.Duration // pause between parts of one reply
	RatePerSec   float64       // per-conversant send rate, <= 0 = unlimited
	Burst        int
}

// DefaultConfig returns the stock pacing.
func DefaultConfig() Config {
	return Config{
		MaxPartWidth: 400,
		PartInterval: 600 * time.Millisecond,
		RatePerSec:   2,
		Burst:        3,
	}
}

// Reply is one generated answer ready for the transport.
type Reply struct {
	ConversantID string
	Channel      string
	ChatID       string
	HumanText    string // the merged user text the reply answers
	SenderName   string
	Text         string
	Persist      bool // append the exchange to memory after a full send
}

// Deliverer sends replies part by part and appends them to memory.
type Deliverer struct {
	sender Sender
	store  memory.Store

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// New creates a Deliverer. store may be nil to disable persistence.
func New(sender Sender, store memory.Store, cfg Config) *Deliverer {
	return &Deliverer{
		sender:   sender,
		store:    store,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// UpdateConfig applies new pacing. Existing limiters are retuned in place.
func (d *Deliverer) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	for _, l := range d.limiters {
		l.SetLimit(limitOf(cfg))
		l.SetBurst(burstOf(cfg))
	}
}

func limitOf(cfg Config) rate.Limit {
	if cfg.RatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.RatePerSec)
}

func burstOf(cfg Config) int {
	if cfg.Burst < 1 {
		return 1
	}
	return cfg.Burst
}

func (d *Deliverer) limiter(conversantID string) (*rate.Limiter, Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[conversantID]
	if !ok {
		l = rate.NewLimiter(limitOf(d.cfg), burstOf(d.cfg))
		d.limiters[conversantID] = l
	}
	return l, d.cfg
}

// Deliver segments r.Text and sends the parts in order. A failed send stops
// the remaining parts and skips persistence. It returns the number of parts sent.
func (d *Deliverer) Deliver(ctx context.Context, r Reply) (int, error) {
	lim, cfg := d.limiter(r.ConversantID)
	parts := Segment(r.Text, cfg.MaxPartWidth)
	if len(parts) == 0 {
		return 0, nil
	}
	span := trace.SpanFromContext(ctx)

	for i, part := range parts {
		if i > 0 && cfg.PartInterval > 0 {
			select {
			case <-time.After(cfg.PartInterval):
			case <-ctx.Done():
				return i, ctx.Err()
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return i, err
		}
		msg := bus.OutboundMessage{Channel: r.Channel, ChatID: r.ChatID, Content: part}
		if err := d.sender.Send(ctx, msg); err != nil {
			slog.Warn("delivery: send failed, dropping remaining parts",
				"conversant", r.ConversantID, "part", i+1, "parts", len(parts), "error", err)
			return i, fmt.Errorf("send part %d/%d to %s: %w", i+1, len(parts), r.ConversantID, err)
		}
		span.AddEvent("delivery.part", trace.WithAttributes(
			attribute.Int("part", i+1),
			attribute.Int("parts", len(parts)),
		))
	}
	slog.Debug("delivery: reply sent", "conversant", r.ConversantID, "parts", len(parts))

	if r.Persist && d.store != nil {
		rec := memory.Record{
			ConversantID:  r.ConversantID,
			HumanText:     r.HumanText,
			AssistantText: JoinForMemory(parts),
			SenderName:    r.SenderName,
			Timestamp:     d.now(),
		}
		if err := d.store.Append(ctx, rec); err != nil {
			return len(parts), fmt.Errorf("persist reply for %s: %w", r.ConversantID, err)
		}
	}
	return len(parts), nil
}

// Forget drops pacing state for removed conversants.
func (d *Deliverer) Forget(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		delete(d.limiters, id)
	}
}
