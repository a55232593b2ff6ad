package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// SweepStats reports what one sweep removed.
type SweepStats struct {
	Sessions    int // debounce sessions
	Tasks       int // waiting dispatch tasks
	States      int // idle interrupt states
	Conversants int
}

// Sweep purges per-conversant state idle past the staleness ceiling.
func (e *Engine) Sweep(now time.Time) SweepStats {
	cfg, _ := e.config()
	stale := cfg.StaleAfter

	st := SweepStats{
		Sessions: e.buffer.Sweep(now, stale),
		Tasks:    e.queue.Sweep(now, stale),
		States:   e.coord.Sweep(now, stale),
	}
	removed := e.registry.Sweep(now, stale)
	if len(removed) > 0 {
		e.buffer.Forget(removed...)
		e.coord.Forget(removed...)
		e.deliverer.Forget(removed...)
		if err := e.registry.Save(); err != nil {
			slog.Warn("pipeline: registry not saved after sweep", "error", err)
		}
	}
	st.Conversants = len(removed)
	return st
}

// Sweeper runs Engine.Sweep on a cron schedule.
type Sweeper struct {
	engine *Engine
	expr   string
}

// NewSweeper validates the cron expression.
func NewSweeper(engine *Engine, expr string) (*Sweeper, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	return &Sweeper{engine: engine, expr: expr}, nil
}

// Run sweeps at every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("pipeline: sweeper started", "schedule", s.expr)
	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case now := <-timer.C:
			st := s.engine.Sweep(now)
			if st != (SweepStats{}) {
				slog.Info("pipeline: sweep",
					"sessions", st.Sessions, "tasks", st.Tasks, "states", st.States, "conversants", st.Conversants)
			}
		}
	}
}
