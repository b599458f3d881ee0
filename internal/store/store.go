// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-acp/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository defines the interface for persisting sessions and their messages.
type Repository interface {
	// UpsertSession creates or updates a session record. CreatedAt is kept
	// from the first insert.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns ErrNotFound when missing.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns the sessions owned by owner, newest first.
	ListSessions(ctx context.Context, owner string) ([]*domain.Session, error)

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage records one inbound frame. A repeated (session, seq)
	// pair overwrites the earlier row.
	AppendMessage(ctx context.Context, msg *domain.StoredMessage) error

	// ListMessages returns messages with seq greater than afterSeq in order.
	ListMessages(ctx context.Context, sessionID string, afterSeq int64) ([]*domain.StoredMessage, error)

	// MaxMessageSeq returns the highest stored seq for sessionID, or 0.
	MaxMessageSeq(ctx context.Context, sessionID string) (int64, error)

	// DeleteExpiredSessions removes sessions not updated within ttl, along
	// with their messages.
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
