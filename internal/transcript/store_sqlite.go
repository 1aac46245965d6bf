package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite allows 999 bound parameters per statement.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 13
	maxEntriesPerBatch = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the transcripts table if needed and starts the
// retention cleanup loop when retentionDays is positive.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			duration_ns INTEGER DEFAULT 0,
			request_id TEXT,
			context TEXT,
			vendor TEXT,
			model TEXT,
			outcome TEXT,
			content TEXT,
			function_calls TEXT,
			events INTEGER DEFAULT 0,
			error TEXT,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcripts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transcripts_timestamp ON transcripts(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_transcripts_model ON transcripts(model)",
		"CREATE INDEX IF NOT EXISTS idx_transcripts_outcome ON transcripts(outcome)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// WriteBatch inserts entries in chunks that respect the parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := min(i+maxEntriesPerBatch, len(entries))
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)
		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.DurationNs,
				e.RequestID,
				e.Context,
				e.Vendor,
				e.Model,
				string(e.Outcome),
				e.Content,
				e.FunctionCalls,
				e.Events,
				e.Error,
				now,
			)
		}

		query := `INSERT OR IGNORE INTO transcripts (id, timestamp, duration_ns, request_id, context, vendor, model,
			outcome, content, function_calls, events, error, created_at) VALUES ` + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert transcripts batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, duration_ns, request_id, context, vendor, model,
		outcome, content, function_calls, events, error FROM transcripts ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e         Entry
			ts        string
			outcome   string
			requestID sql.NullString
			content   sql.NullString
			calls     sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.DurationNs, &requestID, &e.Context, &e.Vendor, &e.Model,
			&outcome, &content, &calls, &e.Events, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		e.Outcome = Outcome(outcome)
		e.RequestID = requestID.String
		e.Content = content.String
		e.FunctionCalls = calls.String
		e.Error = errText.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The database belongs to the storage
// layer and stays open. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 && s.stopCleanup != nil {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

func (s *SQLiteStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339)

	result, err := s.db.Exec("DELETE FROM transcripts WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old transcripts", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old transcripts", "deleted", n)
	}
}
