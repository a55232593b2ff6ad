package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func turn(id string, age time.Duration, humanLen, assistantLen int) Record {
	return Record{
		ID:            id,
		ConversantID:  "web:direct:u1",
		HumanText:     id + " " + strings.Repeat("h", humanLen),
		AssistantText: strings.Repeat("a", assistantLen),
		Timestamp:     now.Add(-age),
	}
}

func isChronological(ws []Weighted) bool {
	for i := 1; i < len(ws); i++ {
		if ws[i].Timestamp.Before(ws[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// --- Rank ---

func TestRank_Idempotent(t *testing.T) {
	cfg := DefaultConfig()
	var cands []Record
	for i := 0; i < 20; i++ {
		cands = append(cands, turn(fmt.Sprintf("r%02d", i), time.Duration(i*5)*time.Hour, 10+i*3, 20))
	}

	first := Rank(cfg, cands, now, 10)
	second := Rank(cfg, cands, now, 10)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("repeated calls returned different output")
	}

	reversed := make([]Record, len(cands))
	for i, c := range cands {
		reversed[len(cands)-1-i] = c
	}
	if !reflect.DeepEqual(first, Rank(cfg, reversed, now, 10)) {
		t.Error("candidate order changed the output")
	}
}

func TestRank_ThirtyRecordsOverHundredHours(t *testing.T) {
	cfg := DefaultConfig()
	var cands []Record
	for i := 0; i < 30; i++ {
		age := time.Duration(float64(100*time.Hour) * float64(i) / 29)
		cands = append(cands, turn(fmt.Sprintf("r%02d", i), age, 5+(i%7)*12, 10+(i%5)*15))
	}

	got := Rank(cfg, cands, now, 10)
	if len(got) > 10 {
		t.Fatalf("selected %d, want <= 10", len(got))
	}
	if !isChronological(got) {
		t.Error("output is not chronological")
	}

	above := 0
	for _, w := range got {
		if !w.Backfilled {
			above++
			if w.Combined < cfg.WeightThreshold {
				t.Errorf("%s kept without backfill at %v", w.ID, w.Combined)
			}
		}
	}
	for _, w := range got {
		if w.Backfilled {
			if w.Combined >= cfg.WeightThreshold {
				t.Errorf("%s marked backfilled at %v", w.ID, w.Combined)
			}
			if above >= 10 {
				t.Error("backfill used although threshold survivors filled the budget")
			}
		}
	}
}

func TestRank_BackfillsToMaxTurns(t *testing.T) {
	cfg := DefaultConfig()
	cands := []Record{
		turn("high1", time.Hour, 60, 60),
		turn("high2", 2*time.Hour, 60, 60),
		turn("low1", 80*time.Hour, 3, 3),
		turn("low2", 90*time.Hour, 3, 3),
		turn("low3", 95*time.Hour, 3, 3),
		turn("zero", time.Hour, 0, 0),
	}

	got := Rank(cfg, cands, now, 4)
	if len(got) != 4 {
		t.Fatalf("selected %d, want 4", len(got))
	}
	ids := make([]string, len(got))
	for i, w := range got {
		ids[i] = w.ID
	}
	// low3 and zero lose the backfill race; output is oldest first.
	if strings.Join(ids, ",") != "low2,low1,high2,high1" {
		t.Errorf("ids = %v", ids)
	}
	for _, w := range got {
		if strings.HasPrefix(w.ID, "low") != w.Backfilled {
			t.Errorf("%s backfilled=%v", w.ID, w.Backfilled)
		}
	}
}

func TestRank_TruncatesToMaxTurns(t *testing.T) {
	cfg := DefaultConfig()
	var cands []Record
	for i := 0; i < 8; i++ {
		cands = append(cands, turn(fmt.Sprintf("r%d", i), time.Duration(i)*time.Hour, 60, 60))
	}
	got := Rank(cfg, cands, now, 3)
	if len(got) != 3 {
		t.Fatalf("selected %d, want 3", len(got))
	}
	// newest three win on time weight
	if got[0].ID != "r2" || got[2].ID != "r0" {
		t.Errorf("got %s..%s", got[0].ID, got[2].ID)
	}
}

func TestRank_DeduplicatesKeepingBestSource(t *testing.T) {
	cfg := DefaultConfig()
	direct := turn("d", 60*time.Hour, 60, 60)
	direct.Source = SourceDirect
	sem := direct
	sem.ID = "s"
	sem.HumanText = "  " + strings.ToUpper(direct.HumanText) + " "
	sem.Source = SourceSemantic
	sem.Similarity = 0.9

	got := Rank(cfg, []Record{direct, sem}, now, 10)
	if len(got) != 1 {
		t.Fatalf("selected %d, want 1 after dedup", len(got))
	}
	if got[0].Source != SourceSemantic {
		t.Errorf("kept %s, want the higher-weight semantic copy", got[0].Source)
	}
}

// --- Select ---

type failingSearch struct {
	*InMemoryStore
	recentErr error
}

func (f failingSearch) Recent(ctx context.Context, id string, limit int) ([]Record, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.InMemoryStore.Recent(ctx, id, limit)
}

func (f failingSearch) SemanticSearch(context.Context, string, Scope, int) ([]Record, error) {
	return nil, errors.New("index offline")
}

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	recs := []Record{
		{ConversantID: "c1", HumanText: "what's the weather like today?", AssistantText: "sunny and warm all afternoon", Timestamp: now.Add(-2 * time.Hour)},
		{ConversantID: "c1", HumanText: "recommend a book please", AssistantText: "try a classic mystery novel", Timestamp: now.Add(-time.Hour)},
		{ConversantID: "c2", HumanText: "weather tomorrow?", AssistantText: "rain is expected tomorrow", Timestamp: now.Add(-time.Hour)},
	}
	for _, r := range recs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestAssembler_SelectScopesAndOrders(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store)
	a := NewAssembler(store, DefaultConfig())

	got, err := a.Select(context.Background(), Request{ConversantID: "c1", Query: "weather today", Now: now})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("selected %d, want 2 (c2 is out of scope)", len(got))
	}
	if !isChronological(got) {
		t.Error("not chronological")
	}
	for _, w := range got {
		if w.ConversantID != "c1" {
			t.Errorf("leaked record from %s", w.ConversantID)
		}
	}
	// weather turn clears the threshold; the short book turn only backfills
	if got[0].Backfilled || !got[1].Backfilled {
		t.Errorf("backfilled = %v, %v", got[0].Backfilled, got[1].Backfilled)
	}
}

func TestAssembler_SearchFailureDegrades(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store)
	a := NewAssembler(failingSearch{InMemoryStore: store}, DefaultConfig())

	got, err := a.Select(context.Background(), Request{ConversantID: "c1", Query: "weather", Now: now})
	if err != nil {
		t.Fatalf("Select should degrade, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("selected %d, want recency results", len(got))
	}
}

func TestAssembler_RecentFailureIsAnError(t *testing.T) {
	boom := errors.New("db down")
	a := NewAssembler(failingSearch{InMemoryStore: NewInMemoryStore(), recentErr: boom}, DefaultConfig())
	if _, err := a.Select(context.Background(), Request{ConversantID: "c1", Now: now}); !errors.Is(err, boom) {
		t.Errorf("expected wrapped db error, got %v", err)
	}
}

// --- stores ---

func TestInMemoryStore_RecentLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Append(ctx, Record{ConversantID: "c", HumanText: fmt.Sprint(i), Timestamp: now.Add(time.Duration(i) * time.Minute)})
	}
	got, _ := s.Recent(ctx, "c", 2)
	if len(got) != 2 || got[0].HumanText != "3" || got[1].HumanText != "4" {
		t.Errorf("recent = %+v", got)
	}
	if got[0].ID == "" {
		t.Error("append should assign an id")
	}
}

type slowStore struct {
	*InMemoryStore
	mu      sync.Mutex
	active  map[string]int
	overlap bool
}

func (s *slowStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.active[rec.ConversantID]++
	if s.active[rec.ConversantID] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	err := s.InMemoryStore.Append(ctx, rec)

	s.mu.Lock()
	s.active[rec.ConversantID]--
	s.mu.Unlock()
	return err
}

func TestSerialStore_SerializesPerConversant(t *testing.T) {
	inner := &slowStore{InMemoryStore: NewInMemoryStore(), active: map[string]int{}}
	s := NewSerialStore(inner)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(context.Background(), Record{ConversantID: "c", HumanText: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	if inner.overlap {
		t.Error("appends for one conversant overlapped")
	}
	if n := inner.Len("c"); n != 20 {
		t.Errorf("stored %d, want 20", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.locks) != 0 {
		t.Errorf("lock table not cleaned up: %d entries", len(s.locks))
	}
}
