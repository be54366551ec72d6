// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/abelyaev/datachat/internal/domain"
)

// ErrMessageLimit is returned by AppendMessage when the session already
// holds the configured maximum number of messages.
var ErrMessageLimit = errors.New("session message limit reached")

// MessageUpdate carries the subset of assistant-message fields to
// overwrite. Nil fields are left untouched.
type MessageUpdate struct {
	Content       *string
	Type          *domain.MessageType
	SQL           *string
	Results       *domain.QueryResult
	Visualization *domain.VisualizationSpec
}

// SessionStore defines the interface for persisting chat sessions,
// messages, data-source connection state, and saved visualizations.
type SessionStore interface {
	// CreateSession creates a new empty session for the user. When the
	// user exceeds the configured maximum session count, the oldest
	// session is evicted.
	CreateSession(ctx context.Context, userID, title string) (*domain.ChatSession, error)

	// GetSession retrieves a session with its messages in conversation
	// order. Returns (nil, nil) when the session does not exist or is
	// owned by another user.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// ListSessions returns the user's sessions, most recent first,
	// each with its messages loaded.
	ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error)

	// DeleteSession removes a session and its messages. Returns false
	// when no matching session existed.
	DeleteSession(ctx context.Context, userID, sessionID string) (bool, error)

	// UpdateSessionTitle sets the session title.
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error

	// AppendMessage appends a message to a session. Returns
	// ErrMessageLimit when the session is full.
	AppendMessage(ctx context.Context, sessionID string, msg *domain.ChatMessage) error

	// UpdateMessageFields overwrites the given subset of fields on a
	// stored message. Applying the same update twice leaves the row
	// unchanged.
	UpdateMessageFields(ctx context.Context, sessionID, messageID string, upd MessageUpdate) error

	// MessageCount returns the number of messages in a session.
	MessageCount(ctx context.Context, sessionID string) (int, error)

	// PruneEmptySessions removes the user's sessions that never
	// received a user-authored message, returning how many were
	// dropped. This is history hygiene, not an error path.
	PruneEmptySessions(ctx context.Context, userID string) (int64, error)

	// SetConnection records a user's established data-source connection.
	SetConnection(ctx context.Context, conn *domain.Connection) error

	// GetConnection retrieves a user's connection, or (nil, nil).
	GetConnection(ctx context.Context, userID string) (*domain.Connection, error)

	// SaveVisualization stores a pinned chart.
	SaveVisualization(ctx context.Context, viz *domain.SavedVisualization) error

	// ListVisualizations returns the user's pinned charts, newest first.
	ListVisualizations(ctx context.Context, userID string) ([]*domain.SavedVisualization, error)

	// DeleteVisualization removes a pinned chart. Returns false when it
	// did not exist.
	DeleteVisualization(ctx context.Context, userID, vizID string) (bool, error)

	// MaxMessagesPerChat returns the per-session message cap.
	MaxMessagesPerChat() int

	// MaxSessions returns the per-user session cap.
	MaxSessions() int

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
