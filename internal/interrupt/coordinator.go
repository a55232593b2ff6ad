// Package interrupt owns the single in-flight generation per conversant and
// folds messages that arrive mid-generation into one follow-up call.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/providers"
)

var (
	// ErrBusy means the conversant already has a generation in flight.
	ErrBusy = errors.New("interrupt: conversant already being serviced")
	// ErrEmptyReply is reported when the backend returns no text.
	ErrEmptyReply = errors.New("interrupt: empty reply")
)

// Phase is the generation state of one conversant.
type Phase int

const (
	Idle Phase = iota
	InFlight
	Interrupted
	Completed
)

func (p Phase) String() string {
	switch p {
	case InFlight:
		return "in_flight"
	case Interrupted:
		return "interrupted"
	case Completed:
		return "completed"
	default:
		return "idle"
	}
}

// Generator is the backend collaborator. providers.Provider satisfies it.
type Generator interface {
	Generate(ctx context.Context, req providers.Request) (providers.Response, error)
}

// Config controls merge formatting and the failure reply.
type Config struct {
	Separator       string
	FallbackMessage string
}

// DefaultConfig returns the stock formatting.
func DefaultConfig() Config {
	return Config{
		Separator:       "\n---\n",
		FallbackMessage: "Sorry, I couldn't put a reply together just now. Please try again in a moment.",
	}
}

// Outcome is the result of one logical exchange.
type Outcome struct {
	Text     string
	Fallback bool  // Text is the fallback message
	Err      error // cause when Fallback
	Calls    int   // generation calls issued
	Merged   []bus.PendingMessage
	Request  providers.Request // the request that produced Text
}

type state struct {
	lock sync.Mutex // held for a whole exchange; acquired with TryLock only

	mu        sync.Mutex // guards the fields below
	phase     Phase
	busy      chan struct{} // non-nil while lock is held, closed on release
	cancel    context.CancelFunc
	cancelled bool
	pending   []bus.PendingMessage
	lastUsed  time.Time
}

// Coordinator tracks generation state per conversant.
type Coordinator struct {
	mu     sync.Mutex
	states map[string]*state
	gen    Generator
	cfg    Config
	now    func() time.Time
}

// New creates a Coordinator calling gen.
func New(gen Generator, cfg Config) *Coordinator {
	return &Coordinator{
		states: make(map[string]*state),
		gen:    gen,
		cfg:    cfg,
		now:    time.Now,
	}
}

// UpdateConfig swaps formatting for later exchanges.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Coordinator) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Coordinator) stateFor(id string) *state {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[id]
	if !ok {
		s = &state{}
		c.states[id] = s
	}
	// refreshed under c.mu so Sweep cannot drop a state about to be used
	s.mu.Lock()
	s.lastUsed = c.now()
	s.mu.Unlock()
	return s
}

func (c *Coordinator) lookup(id string) *state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[id]
}

// Phase returns the current phase of a conversant.
func (c *Coordinator) Phase(conversantID string) Phase {
	s := c.lookup(conversantID)
	if s == nil {
		return Idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Offer hands msg to an in-flight generation for its conversant: the message is
// queued for the merged follow-up and the running call is cancelled.
// Returns false when nothing is in flight and msg should take the normal path.
func (c *Coordinator) Offer(msg bus.PendingMessage) bool {
	s := c.lookup(msg.ConversantID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != InFlight && s.phase != Interrupted {
		return false
	}
	s.pending = append(s.pending, msg)
	s.phase = Interrupted
	if s.cancel != nil && !s.cancelled {
		s.cancelled = true
		s.cancel()
	}
	slog.Info("interrupt: generation pre-empted", "conversant", msg.ConversantID, "pending", len(s.pending))
	return true
}

// Wait blocks until the conversant has no exchange in progress, or ctx is done.
// A caller refused by both Generate and Offer waits here before trying again:
// the exchange is then between acquiring the lock and its first call, or it has
// produced its reply and is about to release.
func (c *Coordinator) Wait(ctx context.Context, conversantID string) error {
	s := c.lookup(conversantID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy == nil {
		return nil
	}
	select {
	case <-busy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate runs one logical exchange. It returns ErrBusy without calling the
// backend if the conversant is already being serviced. Any failure yields an
// Outcome carrying the fallback message together with the error.
func (c *Coordinator) Generate(ctx context.Context, conversantID string, req providers.Request) (Outcome, error) {
	s := c.stateFor(conversantID)
	s.mu.Lock()
	if !s.lock.TryLock() {
		s.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	s.busy = make(chan struct{})
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.phase = Idle
		s.pending = nil
		s.cancel = nil
		s.lastUsed = c.now()
		busy := s.busy
		s.busy = nil
		s.lock.Unlock()
		s.mu.Unlock()
		close(busy)
	}()

	cfg := c.config()
	ctx, span := otel.Tracer("chatloom/interrupt").Start(ctx, "interrupt.generate")
	span.SetAttributes(attribute.String("conversant.id", conversantID))
	defer span.End()

	out := Outcome{Request: req}
	for {
		callCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.phase = InFlight
		s.cancel = cancel
		s.cancelled = false
		s.mu.Unlock()

		out.Calls++
		resp, err := c.call(callCtx, out.Request)
		cancel()

		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		wasCancelled := s.cancelled
		s.cancel = nil
		if len(pending) > 0 && ctx.Err() == nil && (err == nil || wasCancelled) {
			// Acknowledged: fold the interrupting messages into one follow-up.
			s.phase = InFlight
			s.mu.Unlock()

			out.Merged = append(out.Merged, pending...)
			out.Request = MergeRequest(cfg, req, resp.Text, out.Merged)
			slog.Info("interrupt: issuing merged follow-up", "conversant", conversantID, "merged", len(out.Merged), "call", out.Calls+1)
			continue
		}
		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = ErrEmptyReply
		}
		if err != nil {
			s.phase = Idle
			s.mu.Unlock()

			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Int("generation.calls", out.Calls))
			if len(pending) > 0 {
				slog.Warn("interrupt: discarding pending messages after failure", "conversant", conversantID, "pending", len(pending))
			}
			out.Text = cfg.FallbackMessage
			out.Fallback = true
			out.Err = err
			return out, fmt.Errorf("generate for %s: %w", conversantID, err)
		}
		s.phase = Completed
		s.mu.Unlock()

		span.SetAttributes(
			attribute.Int("generation.calls", out.Calls),
			attribute.Bool("generation.interrupted", len(out.Merged) > 0),
		)
		out.Text = resp.Text
		return out, nil
	}
}

// call invokes the backend and converts a panic into an error.
func (c *Coordinator) call(ctx context.Context, req providers.Request) (resp providers.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return c.gen.Generate(ctx, req)
}

// MergeRequest builds the follow-up request from the original request, the
// partial reply of the cancelled call and every interrupting message so far.
func MergeRequest(cfg Config, original providers.Request, partial string, merged []bus.PendingMessage) providers.Request {
	texts := make([]string, len(merged))
	for i, m := range merged {
		if m.IsGroup {
			texts[i] = "[" + m.SenderName + "] " + m.Text
		} else {
			texts[i] = m.Text
		}
	}

	var b strings.Builder
	b.WriteString("A reply to the message below was interrupted by new messages. Answer everything together in one coherent reply.\n\n")
	b.WriteString("Original message:\n")
	b.WriteString(original.Message)
	if p := strings.TrimSpace(partial); p != "" {
		b.WriteString("\n\nUnfinished reply:\n")
		b.WriteString(p)
	}
	b.WriteString("\n\nNew messages:\n")
	b.WriteString(strings.Join(texts, cfg.Separator))

	req := original
	req.Message = b.String()
	return req
}

// Sweep forgets idle conversants not used since before now-idleAfter.
func (c *Coordinator) Sweep(now time.Time, idleAfter time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, s := range c.states {
		if !s.lock.TryLock() {
			continue
		}
		s.mu.Lock()
		stale := s.phase == Idle && now.Sub(s.lastUsed) > idleAfter
		s.mu.Unlock()
		if stale {
			delete(c.states, id)
			removed++
		}
		s.lock.Unlock()
	}
	return removed
}

// Forget drops state for conversants removed from the registry.
func (c *Coordinator) Forget(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		s, ok := c.states[id]
		if !ok || !s.lock.TryLock() {
			continue
		}
		delete(c.states, id)
		s.lock.Unlock()
	}
}
