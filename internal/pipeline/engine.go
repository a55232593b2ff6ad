// Package pipeline is the message intake scheduler: it owns every stage from a
// raw transport event to a delivered, persisted reply.
//
//	inbound → dedupe → normalize → [interrupt offer] → debounce
//	  private              → respond
//	  group, mentioned     → dispatch queue → respond
//	  group, not mentioned → memory
//
// respond = context assembly → interrupt-aware generation → paced delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/debounce"
	"github.com/nextlevelbuilder/chatloom/internal/delivery"
	"github.com/nextlevelbuilder/chatloom/internal/dispatch"
	"github.com/nextlevelbuilder/chatloom/internal/intake"
	"github.com/nextlevelbuilder/chatloom/internal/interrupt"
	"github.com/nextlevelbuilder/chatloom/internal/memory"
	"github.com/nextlevelbuilder/chatloom/internal/providers"
	"github.com/nextlevelbuilder/chatloom/internal/sessions"
)

var tracer = otel.Tracer("chatloom/pipeline")

// Options wires the collaborators of an Engine.
type Options struct {
	Registry  *sessions.Registry
	Store     memory.Store
	Generator interrupt.Generator
	Sender    delivery.Sender
	Config    Config
}

// Engine is one independent scheduler instance.
type Engine struct {
	registry   *sessions.Registry
	store      memory.Store
	normalizer *intake.Normalizer
	dedupe     *bus.DedupeCache
	buffer     *debounce.Buffer
	queue      *dispatch.Queue
	coord      *interrupt.Coordinator
	deliverer  *delivery.Deliverer

	mu        sync.RWMutex
	cfg       Config
	assembler *memory.Assembler
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New builds an Engine. Writes to opts.Store are serialized per conversant.
func New(opts Options) *Engine {
	cfg := opts.Config
	reg := opts.Registry
	if reg == nil {
		reg = sessions.NewRegistry("")
	}
	store := opts.Store
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	serial := memory.NewSerialStore(store)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:   reg,
		store:      serial,
		normalizer: intake.NewNormalizer(),
		dedupe:     bus.NewDedupeCache(cfg.DedupeTTL, cfg.DedupeMax),
		coord:      interrupt.New(opts.Generator, cfg.Interrupt),
		deliverer:  delivery.New(opts.Sender, serial, cfg.Delivery),
		cfg:        cfg,
		assembler:  memory.NewAssembler(serial, cfg.Context),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	e.buffer = debounce.NewBuffer(cfg.Debounce, reg, e.onFlush)
	e.queue = dispatch.New(cfg.Dispatch, e.handleTask)
	return e
}

// UpdateConfig applies new tuning to every stage. In-flight work keeps the
// values it started with.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.assembler = memory.NewAssembler(e.store, cfg.Context)
	e.mu.Unlock()

	e.buffer.UpdateConfig(cfg.Debounce)
	e.queue.UpdateConfig(cfg.Dispatch)
	e.coord.UpdateConfig(cfg.Interrupt)
	e.deliverer.UpdateConfig(cfg.Delivery)
	slog.Info("pipeline: configuration updated")
}

func (e *Engine) config() (Config, *memory.Assembler) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.assembler
}

// Run consumes inbound messages until ctx is done, then shuts the engine down.
func (e *Engine) Run(ctx context.Context, router bus.MessageRouter) error {
	slog.Info("pipeline: inbound consumer started")
	defer e.Close()
	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				slog.Info("pipeline: inbound consumer stopped")
				return nil
			}
			continue
		}
		e.Handle(msg)
	}
}

// Handle runs the intake steps for one transport event. It never blocks on
// generation or delivery.
func (e *Engine) Handle(msg bus.InboundMessage) {
	if msg.MessageID != "" && e.dedupe.IsDuplicate(msg.Channel+":"+msg.ChatID+":"+msg.MessageID) {
		slog.Debug("pipeline: redelivered message dropped", "channel", msg.Channel, "message_id", msg.MessageID)
		return
	}

	pm, err := e.normalizer.Normalize(msg)
	if err != nil {
		var cerr *intake.ConfigurationError
		if errors.As(err, &cerr) {
			slog.Warn("pipeline: invalid event dropped", "channel", msg.Channel, "field", cerr.Field)
		} else {
			slog.Warn("pipeline: event dropped", "channel", msg.Channel, "error", err)
		}
		return
	}

	e.registry.Touch(pm)
	if pm.IsGroup && msg.ChatName != "" {
		e.registry.SetDisplayName(pm.ConversantID, msg.ChatName)
	}

	// Group chatter that does not address the bot never pre-empts a reply.
	if (!pm.IsGroup || pm.Mentioned) && e.coord.Offer(pm) {
		return
	}
	if !e.buffer.Ingest(pm) {
		slog.Debug("pipeline: buffer stopped, message dropped", "conversant", pm.ConversantID)
	}
}

// onFlush routes a merged message. It runs on a timer goroutine and must not block.
func (e *Engine) onFlush(m bus.MergedMessage) {
	switch {
	case !m.IsGroup:
		e.spawn(m)
	case m.Mentioned:
		if _, err := e.queue.Enqueue(m); err != nil && !errors.Is(err, dispatch.ErrDuplicateTask) {
			slog.Warn("pipeline: mention not queued", "conversant", m.ConversantID, "error", err)
		}
	default:
		e.remember(m)
	}
}

func (e *Engine) spawn(m bus.MergedMessage) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline: respond panicked", "conversant", m.ConversantID, "panic", r)
			}
		}()
		if err := e.respond(e.ctx, m); err != nil {
			slog.Warn("pipeline: private reply failed", "conversant", m.ConversantID, "error", err)
		}
	}()
}

func (e *Engine) handleTask(ctx context.Context, task *dispatch.Task) error {
	return e.respond(ctx, task.Message)
}

// remember stores group traffic that did not mention the bot.
func (e *Engine) remember(m bus.MergedMessage) {
	at := m.Earliest
	if at.IsZero() {
		at = e.now()
	}
	rec := memory.Record{
		ConversantID: m.ConversantID,
		HumanText:    m.Text,
		SenderName:   m.SenderName,
		Timestamp:    at,
	}
	if err := e.store.Append(e.ctx, rec); err != nil {
		slog.Warn("pipeline: group history not stored", "conversant", m.ConversantID, "error", err)
	}
}

// respond runs one full response cycle for a flushed message.
func (e *Engine) respond(ctx context.Context, m bus.MergedMessage) error {
	ctx, span := tracer.Start(ctx, "pipeline.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversant.id", m.ConversantID),
		attribute.Bool("conversant.group", m.IsGroup),
	)

	cfg, assembler := e.config()
	names := []string{m.ConversantID}
	if c, ok := e.registry.Get(m.ConversantID); ok && c.DisplayName != "" {
		names = append(names, c.DisplayName)
	}
	if m.SenderName != "" {
		names = append(names, m.SenderName)
	}

	history, err := assembler.Select(ctx, memory.Request{
		ConversantID: m.ConversantID,
		Names:        names,
		Query:        m.Text,
		Now:          e.now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context assembly failed")
		e.sendFallback(ctx, m, cfg.Interrupt.FallbackMessage)
		return fmt.Errorf("assemble context for %s: %w", m.ConversantID, err)
	}
	span.SetAttributes(attribute.Int("context.turns", len(history)))

	req := buildRequest(cfg.Generation, m, history)
	out, genErr := e.generate(ctx, m, req)
	switch {
	case errors.Is(genErr, errJoined):
		return nil
	case genErr != nil && ctx.Err() != nil:
		// shutting down; nothing is delivered
		return genErr
	case genErr != nil:
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation failed")
		slog.Warn("pipeline: generation failed, sending fallback", "conversant", m.ConversantID, "error", genErr)
	}
	span.SetAttributes(attribute.Bool("generation.interrupted", len(out.Merged) > 0))

	sent, err := e.deliverer.Deliver(ctx, delivery.Reply{
		ConversantID: m.ConversantID,
		Channel:      m.Channel,
		ChatID:       m.ChatID,
		HumanText:    humanText(m, out.Merged),
		SenderName:   m.SenderName,
		Text:         out.Text,
		Persist:      !out.Fallback,
	})
	if sent > 0 {
		e.registry.MarkReplied(m.ConversantID, e.now())
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deliver to %s: %w", m.ConversantID, err)
	}
	return genErr
}

// errJoined means the message was folded into a generation already in flight.
var errJoined = errors.New("joined in-flight generation")

// generate starts a generation, or joins the one already running for the
// conversant. When the running exchange can no longer take messages (it is
// starting up or delivering its reply) generate waits for it to finish and
// starts a new one, so a flushed message is never dropped.
func (e *Engine) generate(ctx context.Context, m bus.MergedMessage, req providers.Request) (interrupt.Outcome, error) {
	for {
		out, err := e.coord.Generate(ctx, m.ConversantID, req)
		if !errors.Is(err, interrupt.ErrBusy) {
			return out, err
		}
		if e.coord.Offer(pendingOf(m)) {
			slog.Info("pipeline: flushed message joined in-flight generation", "conversant", m.ConversantID)
			return interrupt.Outcome{}, errJoined
		}
		slog.Debug("pipeline: waiting for current exchange to finish", "conversant", m.ConversantID)
		if err := e.coord.Wait(ctx, m.ConversantID); err != nil {
			return interrupt.Outcome{}, err
		}
	}
}

func (e *Engine) sendFallback(ctx context.Context, m bus.MergedMessage, text string) {
	if text == "" {
		return
	}
	if _, err := e.deliverer.Deliver(ctx, delivery.Reply{
		ConversantID: m.ConversantID,
		Channel:      m.Channel,
		ChatID:       m.ChatID,
		Text:         text,
	}); err != nil {
		slog.Warn("pipeline: fallback not delivered", "conversant", m.ConversantID, "error", err)
	}
}

// Close stops intake, cancels in-flight work and waits for responders to exit.
// Buffered messages are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.buffer.Stop()
	e.cancel()
	e.queue.Close()
	e.wg.Wait()
	if err := e.registry.Save(); err != nil {
		slog.Warn("pipeline: registry not saved", "error", err)
	}
	slog.Info("pipeline: stopped")
}
