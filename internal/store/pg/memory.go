// Package pg implements the memory store on Postgres.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatloom/internal/memory"
	"github.com/nextlevelbuilder/chatloom/internal/sessions"
)

// DefaultSearchWindow is how many recent rows a similarity search scans.
const DefaultSearchWindow = 500

// PGMemoryStore implements memory.Store backed by Postgres.
type PGMemoryStore struct {
	db     *sql.DB
	window int
}

func NewPGMemoryStore(db *sql.DB, window int) *PGMemoryStore {
	if window <= 0 {
		window = DefaultSearchWindow
	}
	return &PGMemoryStore{db: db, window: window}
}

const selectColumns = `id, conversant_id, human_text, assistant_text, sender_name, created_at`

func (s *PGMemoryStore) Recent(ctx context.Context, conversantID string, limit int) ([]memory.Record, error) {
	var limitArg any // NULL means no limit
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM memory_records
		 WHERE conversant_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		conversantID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func (s *PGMemoryStore) SemanticSearch(ctx context.Context, query string, scope memory.Scope, topK int) ([]memory.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case scope.ConversantID != "":
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM memory_records WHERE conversant_id = $1
			 ORDER BY created_at DESC, seq DESC LIMIT $2`, scope.ConversantID, s.window)
	case scope.Channel != "":
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM memory_records WHERE channel = $1
			 ORDER BY created_at DESC, seq DESC LIMIT $2`, scope.Channel, s.window)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM memory_records
			 ORDER BY created_at DESC, seq DESC LIMIT $1`, s.window)
	}
	if err != nil {
		return nil, fmt.Errorf("query search window: %w", err)
	}
	pool, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return memory.RankBySimilarity(query, pool, topK), nil
}

func (s *PGMemoryStore) Append(ctx context.Context, rec memory.Record) error {
	id := uuid.Must(uuid.NewV7())
	if rec.ID != "" {
		parsed, err := uuid.Parse(rec.ID)
		if err != nil {
			return fmt.Errorf("memory record id %q: %w", rec.ID, err)
		}
		id = parsed
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, conversant_id, channel, human_text, assistant_text, sender_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, rec.ConversantID, sessions.ChannelOf(rec.ConversantID),
		rec.HumanText, rec.AssistantText, rec.SenderName, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]memory.Record, error) {
	defer rows.Close()
	var out []memory.Record
	for rows.Next() {
		var rec memory.Record
		var id uuid.UUID
		if err := rows.Scan(&id, &rec.ConversantID, &rec.HumanText, &rec.AssistantText, &rec.SenderName, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.ID = id.String()
		out = append(out, rec)
	}
	return out, rows.Err()
}
