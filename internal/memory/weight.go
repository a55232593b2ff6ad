package memory

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Config tunes candidate retrieval and scoring.
type Config struct {
	MaxTurns     int
	RecentLimit  int
	SemanticTopK int

	WeightThreshold float64

	DayWeight        float64 // time weight at FirstBreakpoint
	MinTimeWeight    float64 // time weight at and beyond SecondBreakpoint
	FirstBreakpoint  time.Duration
	SecondBreakpoint time.Duration

	SemanticTimeShare float64 // share of time weight in a semantic candidate's relevance

	MinSideRunes    int
	MaxSideRunes    int
	LongTurnQuality float64
	QualityPerRune  float64
	QualityCap      float64
	NameBonus       float64
	QuestionBonus   float64
}

// DefaultConfig returns the stock scoring.
func DefaultConfig() Config {
	return Config{
		MaxTurns:          10,
		RecentLimit:       30,
		SemanticTopK:      10,
		WeightThreshold:   0.3,
		DayWeight:         0.7,
		MinTimeWeight:     0.15,
		FirstBreakpoint:   24 * time.Hour,
		SecondBreakpoint:  72 * time.Hour,
		SemanticTimeShare: 0.4,
		MinSideRunes:      2,
		MaxSideRunes:      500,
		LongTurnQuality:   10,
		QualityPerRune:    0.5,
		QualityCap:        75,
		NameBonus:         15,
		QuestionBonus:     10,
	}
}

// TimeWeight decays linearly from 1 to DayWeight over the first breakpoint, then
// to MinTimeWeight at the second breakpoint, and stays there.
func TimeWeight(cfg Config, age time.Duration) float64 {
	switch {
	case age <= 0:
		return 1
	case age <= cfg.FirstBreakpoint:
		return 1 - (1-cfg.DayWeight)*float64(age)/float64(cfg.FirstBreakpoint)
	case age <= cfg.SecondBreakpoint:
		span := float64(cfg.SecondBreakpoint - cfg.FirstBreakpoint)
		return cfg.DayWeight - (cfg.DayWeight-cfg.MinTimeWeight)*float64(age-cfg.FirstBreakpoint)/span
	default:
		return cfg.MinTimeWeight
	}
}

// Quality scores a turn from 0 to 100. names are matched case-insensitively.
func Quality(cfg Config, rec Record, names ...string) float64 {
	h := utf8.RuneCountInString(strings.TrimSpace(rec.HumanText))
	a := utf8.RuneCountInString(strings.TrimSpace(rec.AssistantText))
	if h < cfg.MinSideRunes || a < cfg.MinSideRunes {
		return 0
	}
	if h > cfg.MaxSideRunes || a > cfg.MaxSideRunes {
		return cfg.LongTurnQuality
	}

	q := math.Min(cfg.QualityCap, float64(h+a)*cfg.QualityPerRune)

	human := strings.ToLower(rec.HumanText)
	assistant := strings.ToLower(rec.AssistantText)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && (strings.Contains(human, n) || strings.Contains(assistant, n)) {
			q += cfg.NameBonus
			break
		}
	}
	if strings.ContainsAny(rec.HumanText, "?？") {
		q += cfg.QuestionBonus
	}
	return clamp(q, 0, 100)
}

// Score computes time weight, quality and combined weight for one candidate.
func Score(cfg Config, rec Record, now time.Time, names ...string) Weighted {
	wt := TimeWeight(cfg, now.Sub(rec.Timestamp))
	q := Quality(cfg, rec, names...)

	relevance := wt
	if rec.Source == SourceSemantic {
		sim := clamp(rec.Similarity, 0, 1)
		relevance = cfg.SemanticTimeShare*wt + (1-cfg.SemanticTimeShare)*sim
	}
	return Weighted{
		Record:     rec,
		TimeWeight: wt,
		Quality:    q,
		Combined:   clamp(relevance*q/100, 0, 1),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
