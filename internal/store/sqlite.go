package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-acp/internal/domain"
	"github.com/ashureev/shsh-acp/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA journal_mode = WAL;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error_code TEXT,
		url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		method TEXT,
		raw TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (id, owner, agent_type, state, retry_count, last_error_code, url, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		agent_type = excluded.agent_type,
		state = excluded.state,
		retry_count = excluded.retry_count,
		last_error_code = excluded.last_error_code,
		url = excluded.url,
		updated_at = excluded.updated_at`

	var lastErr interface{}
	if session.LastErrorCode != "" {
		lastErr = session.LastErrorCode
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Owner, session.AgentType, session.State,
			session.RetryCount, lastErr, session.URL,
			createdAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, owner, agent_type, state, retry_count, last_error_code, url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var lastErr sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&session.ID, &session.Owner, &session.AgentType, &session.State,
		&session.RetryCount, &lastErr, &session.URL, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	session.LastErrorCode = lastErr.String
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns the sessions owned by owner, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, owner string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner = ? ORDER BY updated_at DESC, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	err := shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
		return s.deleteSessionOnce(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) deleteSessionOnce(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	return tx.Commit()
}

// AppendMessage records one inbound frame.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.StoredMessage) error {
	query := `
	INSERT INTO messages (session_id, seq, type, method, raw, received_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, seq) DO UPDATE SET
		type = excluded.type,
		method = excluded.method,
		raw = excluded.raw,
		received_at = excluded.received_at`

	var method interface{}
	if msg.Method != "" {
		method = msg.Method
	}

	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.SessionID, msg.Seq, msg.Type, method, string(msg.Raw), msg.ReceivedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

// ListMessages returns messages with seq greater than afterSeq in order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, afterSeq int64) ([]*domain.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, type, method, raw, received_at
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var method sql.NullString
		var raw string
		var receivedAt int64
		if err := rows.Scan(&msg.SessionID, &msg.Seq, &msg.Type, &method, &raw, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Method = method.String
		msg.Raw = []byte(raw)
		msg.ReceivedAt = time.UnixMilli(receivedAt)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// MaxMessageSeq returns the highest stored seq for sessionID, or 0.
func (s *SQLiteStore) MaxMessageSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq, nil
}

// DeleteExpiredSessions removes sessions not updated within ttl.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id IN (
				SELECT id FROM sessions WHERE updated_at < ?
			)`, threshold); err != nil {
			return fmt.Errorf("delete expired messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
