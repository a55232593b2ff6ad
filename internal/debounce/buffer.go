package debounce

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

// FlushFunc receives a merged message. It runs on the timer goroutine of the
// flushed session, so a slow handler never blocks ingestion.
type FlushFunc func(bus.MergedMessage)

// ReplyClock reports when a reply was last delivered to a conversant.
type ReplyClock interface {
	LastReply(conversantID string) time.Time
}

type session struct {
	mu           sync.Mutex
	id           string
	queue        []bus.PendingMessage
	timer        *time.Timer
	gen          uint64
	wait         time.Duration
	firstArrival time.Time
	closed       bool // flushed, purged or stopped; a new session must be created
}

// typingProfile outlives sessions so the speed estimate carries over between bursts.
type typingProfile struct {
	speed    float64
	hasSpeed bool
}

// Buffer holds one debounce session per active conversant.
type Buffer struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session
	profiles map[string]*typingProfile
	stopped  bool

	flush   FlushFunc
	replies ReplyClock
	now     func() time.Time
}

// NewBuffer creates a Buffer. replies may be nil, in which case no reply is ever known.
func NewBuffer(cfg Config, replies ReplyClock, flush FlushFunc) *Buffer {
	return &Buffer{
		cfg:      cfg,
		sessions: make(map[string]*session),
		profiles: make(map[string]*typingProfile),
		flush:    flush,
		replies:  replies,
		now:      time.Now,
	}
}

// UpdateConfig swaps the tuning. Scheduled timers keep their current deadline.
func (b *Buffer) UpdateConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Ingest appends msg to its conversant's session and reschedules the flush.
// Returns false if the buffer has been stopped.
func (b *Buffer) Ingest(msg bus.PendingMessage) bool {
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return false
		}
		s, ok := b.sessions[msg.ConversantID]
		if !ok {
			s = &session{id: msg.ConversantID, firstArrival: msg.Arrival}
			b.sessions[msg.ConversantID] = s
		}
		cfg := b.cfg
		b.mu.Unlock()

		s.mu.Lock()
		if s.closed {
			// flushed between lookup and lock
			s.mu.Unlock()
			continue
		}
		b.ingestLocked(s, cfg, msg)
		s.mu.Unlock()
		return true
	}
}

func (b *Buffer) ingestLocked(s *session, cfg Config, msg bus.PendingMessage) {
	if isDuplicate(s.queue, msg, cfg.DuplicateWindow) {
		slog.Debug("debounce: duplicate dropped", "conversant", s.id, "sender", msg.SenderID)
		b.scheduleLocked(s, cfg.DuplicateReschedule)
		return
	}

	s.queue = append(s.queue, msg)
	speed := b.estimateSpeed(s.id, s.queue, cfg)
	raw := RawWait(cfg, len(s.queue), speed)

	var sinceReply time.Duration
	if b.replies != nil {
		if last := b.replies.LastReply(s.id); !last.IsZero() {
			sinceReply = b.now().Sub(last)
		}
	}
	rate := FlowRate(cfg, raw, sinceReply)
	wait := EffectiveWait(raw, rate)
	b.scheduleLocked(s, wait)

	slog.Debug("debounce: scheduled",
		"conversant", s.id,
		"messages", len(s.queue),
		"speed", fmt.Sprintf("%.2f", speed),
		"raw_wait", raw,
		"flow_rate", fmt.Sprintf("%.2f", rate),
		"wait", wait,
	)
}

func (b *Buffer) scheduleLocked(s *session, wait time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.wait = wait
	s.timer = time.AfterFunc(wait, func() { b.fire(s, gen) })
}

// isDuplicate reports an identical text from the same sender within window.
func isDuplicate(queue []bus.PendingMessage, msg bus.PendingMessage, window time.Duration) bool {
	for i := len(queue) - 1; i >= 0; i-- {
		prev := queue[i]
		if prev.SenderID != msg.SenderID || prev.Text != msg.Text {
			continue
		}
		gap := msg.Arrival.Sub(prev.Arrival)
		if gap < 0 {
			gap = -gap
		}
		if gap < window {
			return true
		}
	}
	return false
}

// estimateSpeed returns the clamped seconds-per-character estimate, updating the
// stored profile from the two most recent messages when possible.
func (b *Buffer) estimateSpeed(id string, queue []bus.PendingMessage, cfg Config) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, known := b.profiles[id]
	if !known {
		p = &typingProfile{}
		b.profiles[id] = p
	}

	if len(queue) < 2 {
		if !known {
			return cfg.NewConversantSpeed
		}
		if p.hasSpeed {
			return clamp(p.speed, cfg.SpeedMin, cfg.SpeedMax)
		}
		return cfg.KnownConversantSpeed
	}

	earlier, later := queue[len(queue)-2], queue[len(queue)-1]
	blended, ok := blendSpeed(cfg, p.speed, p.hasSpeed, later.Arrival.Sub(earlier.Arrival), utf8.RuneCountInString(earlier.Text))
	if !ok {
		if p.hasSpeed {
			return clamp(p.speed, cfg.SpeedMin, cfg.SpeedMax)
		}
		return cfg.KnownConversantSpeed
	}
	p.speed, p.hasSpeed = blended, true
	return clamp(blended, cfg.SpeedMin, cfg.SpeedMax)
}

func (b *Buffer) fire(s *session, gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	merged, ok := b.closeLocked(s)
	s.mu.Unlock()
	if !ok {
		return
	}
	b.deliver(merged)
}

// closeLocked detaches the session from the map and merges its queue.
func (b *Buffer) closeLocked(s *session) (bus.MergedMessage, bool) {
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	queue := s.queue
	s.queue = nil

	b.mu.Lock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	sep := b.cfg.Separator
	b.mu.Unlock()

	if len(queue) == 0 {
		return bus.MergedMessage{}, false
	}
	return Merge(queue, sep), true
}

func (b *Buffer) deliver(merged bus.MergedMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("debounce: flush handler panicked", "conversant", merged.ConversantID, "panic", r)
		}
	}()
	slog.Info("debounce: flush", "conversant", merged.ConversantID, "fragments", merged.Fragments)
	if b.flush != nil {
		b.flush(merged)
	}
}

// Flush merges and hands off a conversant's session immediately.
// Returns false if no session was pending.
func (b *Buffer) Flush(conversantID string) bool {
	b.mu.Lock()
	s, ok := b.sessions[conversantID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	merged, ok := b.closeLocked(s)
	s.mu.Unlock()
	if ok {
		b.deliver(merged)
	}
	return ok
}

// Merge concatenates fragments in arrival order. Fragments from more than one
// sender are tagged with the sender name.
func Merge(queue []bus.PendingMessage, sep string) bus.MergedMessage {
	sorted := make([]bus.PendingMessage, len(queue))
	copy(sorted, queue)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Arrival.Before(sorted[j].Arrival)
	})

	first := sorted[0]
	multiSender := false
	mentioned := false
	for _, m := range sorted {
		if m.SenderID != first.SenderID {
			multiSender = true
		}
		mentioned = mentioned || m.Mentioned
	}

	parts := make([]string, len(sorted))
	for i, m := range sorted {
		if multiSender {
			parts[i] = "[" + m.SenderName + "] " + m.Text
		} else {
			parts[i] = m.Text
		}
	}

	return bus.MergedMessage{
		ConversantID: first.ConversantID,
		Channel:      first.Channel,
		ChatID:       first.ChatID,
		IsGroup:      first.IsGroup,
		SenderID:     first.SenderID,
		SenderName:   first.SenderName,
		Text:         strings.Join(parts, sep),
		Mentioned:    mentioned,
		Earliest:     first.Arrival,
		Fragments:    len(sorted),
	}
}

// Sweep purges sessions whose first message is older than staleAfter without
// flushing them. Returns the number purged.
func (b *Buffer) Sweep(now time.Time, staleAfter time.Duration) int {
	b.mu.Lock()
	var stale []*session
	for _, s := range b.sessions {
		stale = append(stale, s)
	}
	b.mu.Unlock()

	purged := 0
	for _, s := range stale {
		s.mu.Lock()
		if !s.closed && now.Sub(s.firstArrival) > staleAfter {
			s.closed = true
			if s.timer != nil {
				s.timer.Stop()
			}
			b.mu.Lock()
			if b.sessions[s.id] == s {
				delete(b.sessions, s.id)
			}
			b.mu.Unlock()
			purged++
			slog.Warn("debounce: purged stale session", "conversant", s.id, "messages", len(s.queue))
			s.queue = nil
		}
		s.mu.Unlock()
	}
	return purged
}

// Forget drops typing profiles for conversants removed from the registry.
func (b *Buffer) Forget(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if _, live := b.sessions[id]; !live {
			delete(b.profiles, id)
		}
	}
}

// Pending returns the number of buffered messages for a conversant.
func (b *Buffer) Pending(conversantID string) int {
	b.mu.Lock()
	s, ok := b.sessions[conversantID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Sessions returns the number of live sessions.
func (b *Buffer) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Stop cancels every timer and discards buffered messages. Later Ingest calls return false.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	live := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, s := range live {
		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	}
}
