// Package sqlite implements the memory store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatloom/internal/memory"
	"github.com/nextlevelbuilder/chatloom/internal/sessions"
)

// DefaultSearchWindow is how many recent rows a similarity search scans.
const DefaultSearchWindow = 500

// OpenDB opens (creating if needed) the database file at path.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; avoids SQLITE_BUSY under concurrent appends
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// MemoryStore implements memory.Store backed by SQLite.
type MemoryStore struct {
	db     *sql.DB
	window int
}

func NewMemoryStore(db *sql.DB, window int) *MemoryStore {
	if window <= 0 {
		window = DefaultSearchWindow
	}
	return &MemoryStore{db: db, window: window}
}

const selectColumns = `id, conversant_id, human_text, assistant_text, sender_name, created_at`

func (s *MemoryStore) Recent(ctx context.Context, conversantID string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM memory_records
		 WHERE conversant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		conversantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	recs, err := scanRecords(rows, memory.SourceDirect)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func (s *MemoryStore) SemanticSearch(ctx context.Context, query string, scope memory.Scope, topK int) ([]memory.Record, error) {
	where, args := "", []any{}
	switch {
	case scope.ConversantID != "":
		where, args = "WHERE conversant_id = ?", append(args, scope.ConversantID)
	case scope.Channel != "":
		where, args = "WHERE channel = ?", append(args, scope.Channel)
	}
	args = append(args, s.window)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM memory_records `+where+`
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query search window: %w", err)
	}
	pool, err := scanRecords(rows, "")
	if err != nil {
		return nil, err
	}
	return memory.RankBySimilarity(query, pool, topK), nil
}

func (s *MemoryStore) Append(ctx context.Context, rec memory.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, conversant_id, channel, human_text, assistant_text, sender_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversantID, sessions.ChannelOf(rec.ConversantID),
		rec.HumanText, rec.AssistantText, rec.SenderName, rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows, source memory.Source) ([]memory.Record, error) {
	defer rows.Close()
	var out []memory.Record
	for rows.Next() {
		var rec memory.Record
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.ConversantID, &rec.HumanText, &rec.AssistantText, &rec.SenderName, &ms); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ms)
		rec.Source = source
		out = append(out, rec)
	}
	return out, rows.Err()
}
