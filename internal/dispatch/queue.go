// Package dispatch sequences group-mention response cycles through one global FIFO queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

var (
	ErrDuplicateTask = errors.New("dispatch: duplicate task")
	ErrClosed        = errors.New("dispatch: queue closed")
)

// Config controls drain pacing.
type Config struct {
	CollectDelay time.Duration // wait before the first drain so near-simultaneous mentions batch
	Spacing      time.Duration // pause between consecutive tasks
}

// DefaultConfig returns the stock pacing.
func DefaultConfig() Config {
	return Config{CollectDelay: 2 * time.Second, Spacing: time.Second}
}

// DedupKey identifies one flushed burst.
type DedupKey struct {
	ConversantID string
	Earliest     int64 // unix nanos of the first fragment
	SenderID     string
}

// KeyFor derives the dedup key of a merged message.
func KeyFor(m bus.MergedMessage) DedupKey {
	return DedupKey{ConversantID: m.ConversantID, Earliest: m.Earliest.UnixNano(), SenderID: m.SenderID}
}

// Task is one queued response cycle.
type Task struct {
	ID        string
	Message   bus.MergedMessage
	Key       DedupKey
	Enqueued  time.Time
	Processed bool
}

// Handler runs one full response cycle. It is called by the single drainer.
type Handler func(ctx context.Context, task *Task) error

// Queue is a global FIFO with exactly one active drainer.
// pending, draining and closed are guarded by mu.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	pending  []*Task
	draining bool
	closed   bool

	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a Queue that runs handler for every task.
func New(cfg Config, handler Handler) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// UpdateConfig swaps pacing for subsequent waits.
func (q *Queue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Enqueue appends a task for msg. A task with the same dedup key still waiting
// is rejected with ErrDuplicateTask. An idle queue starts draining after CollectDelay.
func (q *Queue) Enqueue(msg bus.MergedMessage) (*Task, error) {
	key := KeyFor(msg)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	for _, t := range q.pending {
		if t.Key == key {
			slog.Debug("dispatch: duplicate task dropped", "conversant", msg.ConversantID, "sender", msg.SenderID)
			return nil, ErrDuplicateTask
		}
	}

	task := &Task{
		ID:       uuid.NewString(),
		Message:  msg,
		Key:      key,
		Enqueued: q.now(),
	}
	q.pending = append(q.pending, task)
	slog.Info("dispatch: enqueued", "task", task.ID, "conversant", msg.ConversantID, "queue_len", len(q.pending))

	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain(q.cfg.CollectDelay)
	}
	return task, nil
}

func (q *Queue) drain(delay time.Duration) {
	defer q.wg.Done()

	if !q.sleep(delay) {
		q.setIdle()
		return
	}

	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		task.Processed = true
		q.mu.Unlock()

		q.run(task)

		q.mu.Lock()
		more := !q.closed && len(q.pending) > 0
		if !more {
			q.draining = false
		}
		spacing := q.cfg.Spacing
		q.mu.Unlock()

		if !more {
			return
		}
		if !q.sleep(spacing) {
			q.setIdle()
			return
		}
	}
}

// run executes one task. Errors and panics are logged and the task is skipped.
func (q *Queue) run(task *Task) {
	ctx, span := otel.Tracer("chatloom/dispatch").Start(q.ctx, "dispatch.task")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("conversant.id", task.Message.ConversantID),
		attribute.Int64("task.wait_ms", q.now().Sub(task.Enqueued).Milliseconds()),
	)
	defer span.End()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return q.handler(ctx, task)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("dispatch: task failed", "task", task.ID, "conversant", task.Message.ConversantID, "error", err)
		return
	}
	slog.Debug("dispatch: task done", "task", task.ID, "conversant", task.Message.ConversantID)
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *Queue) setIdle() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// Sweep removes waiting tasks enqueued more than staleAfter ago. Returns the number removed.
func (q *Queue) Sweep(now time.Time, staleAfter time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	removed := 0
	for _, t := range q.pending {
		if now.Sub(t.Enqueued) > staleAfter {
			slog.Warn("dispatch: purged stale task", "task", t.ID, "conversant", t.Message.ConversantID)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return removed
}

// Len returns the number of waiting tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Draining reports whether a drainer is active.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Close stops accepting tasks, cancels the running handler's context, drops
// waiting tasks and waits for the drainer to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if dropped > 0 {
		slog.Warn("dispatch: closed with waiting tasks", "dropped", dropped)
	}
}
