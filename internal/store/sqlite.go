package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/abelyaev/datachat/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func newID() string { return uuid.NewString() }

// SQLiteStore implements SessionStore using SQLite.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
	maxSessions int
	writeMu     sync.Mutex // Serializes message writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed session store. maxMessages and
// maxSessions bound the per-session transcript and per-user history.
func NewSQLite(dbPath string, maxMessages, maxSessions int) (SessionStore, error) {
	if maxMessages <= 0 || maxSessions <= 0 {
		return nil, fmt.Errorf("invalid limits: maxMessages=%d maxSessions=%d", maxMessages, maxSessions)
	}

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
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxMessages: maxMessages, maxSessions: maxSessions}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		msg_type TEXT,
		sql_text TEXT,
		results_json TEXT,
		visualization_json TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS connections (
		user_id TEXT PRIMARY KEY,
		database_url TEXT NOT NULL,
		table_count INTEGER NOT NULL,
		connected_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS saved_visualizations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		spec_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_saved_viz_user ON saved_visualizations(user_id, created_at DESC);
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

// MaxMessagesPerChat returns the per-session message cap.
func (s *SQLiteStore) MaxMessagesPerChat() int { return s.maxMessages }

// MaxSessions returns the per-user session cap.
func (s *SQLiteStore) MaxSessions() int { return s.maxSessions }

// CreateSession creates a new empty session, evicting the user's oldest
// sessions beyond the cap.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, title string) (*domain.ChatSession, error) {
	session := &domain.ChatSession{
		ID:        "session-" + newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, session.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	// Evict oldest sessions beyond the cap, messages first.
	keep := `SELECT id FROM sessions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (
			SELECT id FROM sessions WHERE user_id = ? AND id NOT IN (`+keep+`))`,
		userID, userID, s.maxSessions,
	); err != nil {
		return nil, fmt.Errorf("evict old session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND id NOT IN (`+keep+`)`,
		userID, userID, s.maxSessions,
	); err != nil {
		return nil, fmt.Errorf("evict old sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session with its messages in conversation order.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	)

	var session domain.ChatSession
	var createdAt int64
	err := row.Scan(&session.ID, &session.UserID, &session.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.CreatedAt = time.UnixMilli(createdAt)

	session.Messages, err = s.loadMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns the user's sessions, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM sessions
		 WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.ChatSession
	for rows.Next() {
		var session domain.ChatSession
		var createdAt int64
		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		session.CreatedAt = time.UnixMilli(createdAt)
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for _, session := range sessions {
		session.Messages, err = s.loadMessages(ctx, session.ID)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		deleted, err := s.deleteSessionOnce(ctx, userID, sessionID)
		if err == nil {
			return deleted, nil
		}

		if isBusy(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteSession hit SQLITE_BUSY, retrying",
				"session_id", sessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return false, nil
}

func (s *SQLiteStore) deleteSessionOnce(ctx context.Context, userID, sessionID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("delete session row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return false, fmt.Errorf("delete session messages: %w", err)
	}
	return true, tx.Commit()
}

// UpdateSessionTitle sets the session title.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionTitle affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// AppendMessage appends a message to a session, enforcing the
// per-session cap.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *domain.ChatMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer rollback(tx)

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&count); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if count >= s.maxMessages {
		return ErrMessageLimit
	}

	resultsJSON, err := marshalNullable(msg.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	vizJSON, err := marshalNullable(msg.Visualization)
	if err != nil {
		return fmt.Errorf("marshal visualization: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, msg_type, sql_text, results_json, visualization_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, count, string(msg.Role), msg.Content,
		nullString(string(msg.Type)), nullString(msg.SQL),
		resultsJSON, vizJSON, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// UpdateMessageFields overwrites the given subset of fields on a
// stored message.
func (s *SQLiteStore) UpdateMessageFields(ctx context.Context, sessionID, messageID string, upd MessageUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var sets []string
	var args []interface{}

	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.Type != nil {
		sets = append(sets, "msg_type = ?")
		args = append(args, nullString(string(*upd.Type)))
	}
	if upd.SQL != nil {
		sets = append(sets, "sql_text = ?")
		args = append(args, nullString(*upd.SQL))
	}
	if upd.Results != nil {
		data, err := json.Marshal(upd.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		sets = append(sets, "results_json = ?")
		args = append(args, string(data))
	}
	if upd.Visualization != nil {
		data, err := json.Marshal(upd.Visualization)
		if err != nil {
			return fmt.Errorf("marshal visualization: %w", err)
		}
		sets = append(sets, "visualization_json = ?")
		args = append(args, string(data))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE messages SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE session_id = ? AND id = ?"
	args = append(args, sessionID, messageID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message fields: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateMessageFields affected 0 rows",
			"session_id", sessionID, "message_id", messageID)
	}
	return nil
}

// MessageCount returns the number of messages in a session.
func (s *SQLiteStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// PruneEmptySessions removes the user's sessions that hold no
// user-authored message with non-blank content.
func (s *SQLiteStore) PruneEmptySessions(ctx context.Context, userID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer rollback(tx)

	empty := `SELECT s.id FROM sessions s WHERE s.user_id = ? AND NOT EXISTS (
		SELECT 1 FROM messages m
		WHERE m.session_id = s.id AND m.role = 'user' AND TRIM(m.content) != '')`

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (`+empty+`)`, userID); err != nil {
		return 0, fmt.Errorf("prune empty session messages: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id IN (`+empty+`)`, userID)
	if err != nil {
		return 0, fmt.Errorf("prune empty sessions: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return pruned, tx.Commit()
}

// SetConnection records a user's established data-source connection.
func (s *SQLiteStore) SetConnection(ctx context.Context, conn *domain.Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (user_id, database_url, table_count, connected_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			database_url = excluded.database_url,
			table_count = excluded.table_count,
			connected_at = excluded.connected_at`,
		conn.UserID, conn.DatabaseURL, conn.TableCount, conn.ConnectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a user's connection, or (nil, nil).
func (s *SQLiteStore) GetConnection(ctx context.Context, userID string) (*domain.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, database_url, table_count, connected_at FROM connections WHERE user_id = ?`,
		userID,
	)

	var conn domain.Connection
	var connectedAt int64
	err := row.Scan(&conn.UserID, &conn.DatabaseURL, &conn.TableCount, &connectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection row: %w", err)
	}
	conn.ConnectedAt = time.UnixMilli(connectedAt)
	return &conn, nil
}

// SaveVisualization stores a pinned chart.
func (s *SQLiteStore) SaveVisualization(ctx context.Context, viz *domain.SavedVisualization) error {
	specJSON, err := json.Marshal(viz.Spec)
	if err != nil {
		return fmt.Errorf("marshal chart spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO saved_visualizations (id, user_id, title, spec_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		viz.ID, viz.UserID, viz.Title, string(specJSON), viz.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert saved visualization: %w", err)
	}
	return nil
}

// ListVisualizations returns the user's pinned charts, newest first.
func (s *SQLiteStore) ListVisualizations(ctx context.Context, userID string) ([]*domain.SavedVisualization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, spec_json, created_at FROM saved_visualizations
		 WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query saved visualizations: %w", err)
	}
	defer closeRows(rows, "saved visualizations")

	var out []*domain.SavedVisualization
	for rows.Next() {
		var viz domain.SavedVisualization
		var specJSON string
		var createdAt int64
		if err := rows.Scan(&viz.ID, &viz.UserID, &viz.Title, &specJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan saved visualization: %w", err)
		}
		if err := json.Unmarshal([]byte(specJSON), &viz.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal chart spec: %w", err)
		}
		viz.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &viz)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved visualizations: %w", err)
	}
	return out, nil
}

// DeleteVisualization removes a pinned chart.
func (s *SQLiteStore) DeleteVisualization(ctx context.Context, userID, vizID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM saved_visualizations WHERE id = ? AND user_id = ?`, vizID, userID)
	if err != nil {
		return false, fmt.Errorf("delete saved visualization: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, msg_type, sql_text, results_json, visualization_json, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var role string
		var msgType, sqlText, resultsJSON, vizJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msgType, &sqlText, &resultsJSON, &vizJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.Type = domain.MessageType(msgType.String)
		msg.SQL = sqlText.String
		msg.CreatedAt = time.UnixMilli(createdAt)

		if resultsJSON.Valid {
			var results domain.QueryResult
			if err := json.Unmarshal([]byte(resultsJSON.String), &results); err != nil {
				return nil, fmt.Errorf("unmarshal message results: %w", err)
			}
			msg.Results = &results
		}
		if vizJSON.Valid {
			var viz domain.VisualizationSpec
			if err := json.Unmarshal([]byte(vizJSON.String), &viz); err != nil {
				return nil, fmt.Errorf("unmarshal message visualization: %w", err)
			}
			msg.Visualization = &viz
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func marshalNullable(v any) (interface{}, error) {
	switch t := v.(type) {
	case *domain.QueryResult:
		if t == nil {
			return nil, nil
		}
	case *domain.VisualizationSpec:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("transaction rollback failed", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
