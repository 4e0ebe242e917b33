// Package audit persists every enforcement decision, and every enforcement
// that failed to execute, to PostgreSQL for moderator review.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sheriffbot/sheriff/internal/chat"
)

// Entry is one row of enforcement_log.
type Entry struct {
	ID             uuid.UUID
	EventID        string
	ChatID         int64
	UserID         int64
	Username       string
	Kind           string
	Verdict        string
	Reason         string
	StrikeCount    int
	Action         string
	MuteDuration   time.Duration
	ExecutionError string
	// Context is the recent chat history at the time of the enforcement.
	Context   []chat.BufferedMessage
	CreatedAt time.Time
}

// Store manages the enforcement log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return db, nil
}

// Record inserts an entry. A zero ID is replaced with a new UUID.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	var contextJSON []byte
	if len(e.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("audit: marshal context: %w", err)
		}
	}

	var execErr sql.NullString
	if e.ExecutionError != "" {
		execErr = sql.NullString{String: e.ExecutionError, Valid: true}
	}

	const query = `
		INSERT INTO enforcement_log (id, event_id, chat_id, user_id, username, kind, verdict, reason,
			strike_count, action, mute_seconds, execution_error, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.EventID,
		e.ChatID,
		e.UserID,
		e.Username,
		e.Kind,
		e.Verdict,
		e.Reason,
		e.StrikeCount,
		e.Action,
		int64(e.MuteDuration/time.Second),
		execErr,
		contextJSON,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// ListForUser returns the most recent entries for a user in a chat, newest
// first.
func (s *Store) ListForUser(ctx context.Context, chatID, userID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	const query = `
		SELECT id, event_id, chat_id, user_id, username, kind, verdict, reason,
			strike_count, action, mute_seconds, execution_error, context, created_at
		FROM enforcement_log
		WHERE chat_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, chatID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			muteSeconds int64
			execErr     sql.NullString
			contextJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.ChatID, &e.UserID, &e.Username, &e.Kind, &e.Verdict,
			&e.Reason, &e.StrikeCount, &e.Action, &muteSeconds, &execErr, &contextJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.MuteDuration = time.Duration(muteSeconds) * time.Second
		e.ExecutionError = execErr.String
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
				return nil, fmt.Errorf("audit: decode context: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list rows: %w", err)
	}
	return out, nil
}
