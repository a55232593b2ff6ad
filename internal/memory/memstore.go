package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process memory. Used when no database is
// configured, and in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record // conversant id → chronological records
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Record)}
}

func (s *InMemoryStore) Recent(_ context.Context, conversantID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[conversantID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *InMemoryStore) SemanticSearch(_ context.Context, query string, scope Scope, topK int) ([]Record, error) {
	s.mu.RLock()
	var pool []Record
	for id, recs := range s.records {
		if !inScope(id, scope) {
			continue
		}
		pool = append(pool, recs...)
	}
	s.mu.RUnlock()

	return RankBySimilarity(query, pool, topK), nil
}

func (s *InMemoryStore) Append(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Source, rec.Similarity = "", 0

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append(s.records[rec.ConversantID], rec)
	// keep chronological even if appends race on timestamps
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	s.records[rec.ConversantID] = recs
	return nil
}

// Len returns the number of stored records for a conversant.
func (s *InMemoryStore) Len(conversantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[conversantID])
}

// RankBySimilarity scores pool against query and returns the best topK with a
// positive score. Ties keep newer records first.
func RankBySimilarity(query string, pool []Record, topK int) []Record {
	var hits []Record
	for _, rec := range pool {
		sim := Similarity(query, rec.HumanText+" "+rec.AssistantText)
		if sim <= 0 {
			continue
		}
		rec.Similarity = sim
		rec.Source = SourceSemantic
		hits = append(hits, rec)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func inScope(conversantID string, scope Scope) bool {
	if scope.ConversantID != "" {
		return conversantID == scope.ConversantID
	}
	if scope.Channel != "" {
		return strings.HasPrefix(conversantID, scope.Channel+":")
	}
	return true
}
