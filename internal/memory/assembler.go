package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Assembler selects weighted history for a flushed message.
type Assembler struct {
	store Store
	cfg   Config
}

// NewAssembler creates an Assembler reading from store.
func NewAssembler(store Store, cfg Config) *Assembler {
	return &Assembler{store: store, cfg: cfg}
}

// Config returns the scoring configuration in use.
func (a *Assembler) Config() Config { return a.cfg }

// Request describes one selection.
type Request struct {
	ConversantID string
	Names        []string // conversant display name and id, for the quality bonus
	Query        string
	Now          time.Time
	MaxTurns     int // <= 0 uses the configured default
}

// Select gathers candidates from the store and ranks them. The result is
// ordered oldest to newest. A failed similarity search degrades to recency only.
func (a *Assembler) Select(ctx context.Context, req Request) ([]Weighted, error) {
	direct, err := a.store.Recent(ctx, req.ConversantID, a.cfg.RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	for i := range direct {
		direct[i].Source = SourceDirect
	}

	var semantic []Record
	if strings.TrimSpace(req.Query) != "" && a.cfg.SemanticTopK > 0 {
		semantic, err = a.store.SemanticSearch(ctx, req.Query, Scope{ConversantID: req.ConversantID}, a.cfg.SemanticTopK)
		if err != nil {
			slog.Warn("memory: similarity search failed, using recency only", "conversant", req.ConversantID, "error", err)
			semantic = nil
		}
		for i := range semantic {
			semantic[i].Source = SourceSemantic
		}
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = a.cfg.MaxTurns
	}
	candidates := append(direct, semantic...)
	return Rank(a.cfg, candidates, req.Now, maxTurns, req.Names...), nil
}

// Rank scores, deduplicates and selects candidates. It depends only on its
// arguments, so equal inputs give equal output.
//
// Candidates at or above the weight threshold are kept. If fewer than maxTurns
// survive, the best of the rest backfill up to maxTurns. The selection is
// truncated to maxTurns and returned in chronological order. maxTurns <= 0
// keeps every candidate above the threshold.
func Rank(cfg Config, candidates []Record, now time.Time, maxTurns int, names ...string) []Weighted {
	byKey := make(map[string]int)
	scored := make([]Weighted, 0, len(candidates))
	for _, rec := range candidates {
		w := Score(cfg, rec, now, names...)
		key := dedupKey(rec)
		if i, ok := byKey[key]; ok {
			if better(w, scored[i]) {
				scored[i] = w
			}
			continue
		}
		byKey[key] = len(scored)
		scored = append(scored, w)
	}

	sort.SliceStable(scored, func(i, j int) bool { return better(scored[i], scored[j]) })

	var selected []Weighted
	for _, w := range scored {
		if w.Combined >= cfg.WeightThreshold {
			selected = append(selected, w)
		}
	}
	if maxTurns > 0 {
		for _, w := range scored[len(selected):] {
			if len(selected) >= maxTurns {
				break
			}
			w.Backfilled = true
			selected = append(selected, w)
		}
		if len(selected) > maxTurns {
			selected = selected[:maxTurns]
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return selected
}

// better orders by combined weight, then recency, then id.
func better(a, b Weighted) bool {
	if a.Combined != b.Combined {
		return a.Combined > b.Combined
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Source < b.Source
}

func dedupKey(rec Record) string {
	return normalizeKey(rec.HumanText) + "\x00" + normalizeKey(rec.AssistantText)
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Records strips the scores.
func Records(ws []Weighted) []Record {
	out := make([]Record, len(ws))
	for i, w := range ws {
		out[i] = w.Record
	}
	return out
}
