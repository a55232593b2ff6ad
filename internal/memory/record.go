// Package memory holds conversation history records and selects the weighted
// slice of history used as generation context.
package memory

import (
	"context"
	"time"
)

// Source tells how a candidate record was found.
type Source string

const (
	SourceDirect   Source = "direct"   // recency lookup for the conversant
	SourceSemantic Source = "semantic" // similarity search for the query text
)

// Record is one persisted conversation turn.
type Record struct {
	ID            string    `json:"id"`
	ConversantID  string    `json:"conversant_id"`
	HumanText     string    `json:"human_text"`
	AssistantText string    `json:"assistant_text"`
	SenderName    string    `json:"sender_name"`
	Timestamp     time.Time `json:"timestamp"`

	// Set on read, never persisted.
	Source     Source  `json:"source,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Weighted is a candidate record annotated with its selection scores.
type Weighted struct {
	Record
	TimeWeight float64
	Quality    float64 // 0..100
	Combined   float64 // 0..1
	Backfilled bool    // kept below the weight threshold to reach the turn budget
}

// Scope narrows a similarity search.
type Scope struct {
	ConversantID string
	Channel      string // used when ConversantID is empty
}

// Store is the persistence collaborator for conversation history.
// Recent returns the newest limit records of a conversant in chronological order.
// SemanticSearch returns at most topK records with Similarity set, best first.
type Store interface {
	Recent(ctx context.Context, conversantID string, limit int) ([]Record, error)
	SemanticSearch(ctx context.Context, query string, scope Scope, topK int) ([]Record, error)
	Append(ctx context.Context, rec Record) error
}
