package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/abelyaev/datachat/internal/domain"
)

func newTestStore(t *testing.T) SessionStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), 6, 10)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-1", "Monthly revenue by region")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected non-empty session ID")
	}

	msg := &domain.ChatMessage{
		ID:        "msg-1",
		Role:      domain.RoleUser,
		Content:   "show revenue by region",
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.AppendMessage(ctx, session.ID, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	got, err := s.GetSession(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Title != "Monthly revenue by region" {
		t.Errorf("title = %q, want %q", got.Title, "Monthly revenue by region")
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	if !got.Messages[0].CreatedAt.Equal(msg.CreatedAt) {
		t.Errorf("message timestamp = %v, want %v", got.Messages[0].CreatedAt, msg.CreatedAt)
	}
	if got.Messages[0].Content != msg.Content {
		t.Errorf("message content = %q, want %q", got.Messages[0].Content, msg.Content)
	}
}

func TestGetSessionIsolatedByUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-a", "New Chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "user-b", session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil session for a different user")
	}
}

func TestMessageFieldsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-1", "New Chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msg := &domain.ChatMessage{
		ID:      "msg-1",
		Role:    domain.RoleAssistant,
		Content: "Found 2 results. You can see the data below.",
		Type:    domain.MessageTypeResults,
		SQL:     "SELECT region, total FROM revenue",
		Results: &domain.QueryResult{
			Columns: []string{"region", "total"},
			Rows: []map[string]any{
				{"region": "west", "total": float64(42)},
				{"region": "east", "total": float64(17)},
			},
		},
		Visualization: &domain.VisualizationSpec{
			Type:    domain.ChartBar,
			Payload: `{"columns":["region","total"],"rows":[]}`,
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.AppendMessage(ctx, session.ID, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	got, err := s.GetSession(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	stored := got.Messages[0]
	if stored.Type != domain.MessageTypeResults {
		t.Errorf("type = %q, want %q", stored.Type, domain.MessageTypeResults)
	}
	if stored.SQL != msg.SQL {
		t.Errorf("sql = %q, want %q", stored.SQL, msg.SQL)
	}
	if stored.Results == nil || len(stored.Results.Rows) != 2 {
		t.Fatalf("unexpected results: %+v", stored.Results)
	}
	if stored.Results.Columns[0] != "region" || stored.Results.Columns[1] != "total" {
		t.Errorf("columns = %v", stored.Results.Columns)
	}
	if stored.Visualization == nil || stored.Visualization.Type != domain.ChartBar {
		t.Errorf("unexpected visualization: %+v", stored.Visualization)
	}
}

func TestMessageLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-1", "New Chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < s.MaxMessagesPerChat(); i++ {
		msg := &domain.ChatMessage{
			ID:        fmt.Sprintf("msg-%d", i),
			Role:      domain.RoleUser,
			Content:   fmt.Sprintf("question %d", i),
			CreatedAt: time.Now(),
		}
		if err := s.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
	}

	err = s.AppendMessage(ctx, session.ID, &domain.ChatMessage{
		ID: "msg-over", Role: domain.RoleUser, Content: "one too many", CreatedAt: time.Now(),
	})
	if !errors.Is(err, ErrMessageLimit) {
		t.Fatalf("expected ErrMessageLimit, got %v", err)
	}

	count, err := s.MessageCount(ctx, session.ID)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != s.MaxMessagesPerChat() {
		t.Errorf("count = %d, want %d", count, s.MaxMessagesPerChat())
	}
}

func TestSessionEviction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i <= s.MaxSessions(); i++ {
		session, err := s.CreateSession(ctx, "user-1", fmt.Sprintf("chat %d", i))
		if err != nil {
			t.Fatalf("CreateSession %d failed: %v", i, err)
		}
		ids = append(ids, session.ID)
		// Distinct timestamps so ordering is unambiguous.
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := s.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != s.MaxSessions() {
		t.Fatalf("expected %d sessions, got %d", s.MaxSessions(), len(sessions))
	}
	if sessions[0].ID != ids[len(ids)-1] {
		t.Errorf("expected newest session first, got %s", sessions[0].ID)
	}
	for _, session := range sessions {
		if session.ID == ids[0] {
			t.Error("oldest session should have been evicted")
		}
	}
}

func TestUpdateMessageFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-1", "New Chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg := &domain.ChatMessage{
		ID: "msg-1", Role: domain.RoleAssistant, Content: "", CreatedAt: time.Now(),
	}
	if err := s.AppendMessage(ctx, session.ID, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	content := "The query returned no results."
	msgType := domain.MessageTypeEmptyResults
	sqlText := "SELECT 1 WHERE 0"
	upd := MessageUpdate{Content: &content, Type: &msgType, SQL: &sqlText}
	if err := s.UpdateMessageFields(ctx, session.ID, "msg-1", upd); err != nil {
		t.Fatalf("UpdateMessageFields failed: %v", err)
	}

	// Missing message is not an error.
	if err := s.UpdateMessageFields(ctx, session.ID, "msg-gone", upd); err != nil {
		t.Fatalf("UpdateMessageFields on missing message failed: %v", err)
	}
	// Empty update is a no-op.
	if err := s.UpdateMessageFields(ctx, session.ID, "msg-1", MessageUpdate{}); err != nil {
		t.Fatalf("empty UpdateMessageFields failed: %v", err)
	}

	got, err := s.GetSession(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	stored := got.Messages[0]
	if stored.Content != content {
		t.Errorf("content = %q, want %q", stored.Content, content)
	}
	if stored.Type != msgType {
		t.Errorf("type = %q, want %q", stored.Type, msgType)
	}
	if stored.SQL != sqlText {
		t.Errorf("sql = %q, want %q", stored.SQL, sqlText)
	}
}

func TestPruneEmptySessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.CreateSession(ctx, "user-1", "New Chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	kept, err := s.CreateSession(ctx, "user-1", "Real chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.AppendMessage(ctx, kept.ID, &domain.ChatMessage{
		ID: "msg-1", Role: domain.RoleUser, Content: "hello", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	// Assistant-only sessions count as empty too.
	assistantOnly, err := s.CreateSession(ctx, "user-1", "Assistant only")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.AppendMessage(ctx, assistantOnly.ID, &domain.ChatMessage{
		ID: "msg-1", Role: domain.RoleAssistant, Content: "hi", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	pruned, err := s.PruneEmptySessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("PruneEmptySessions failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	sessions, err := s.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != kept.ID {
		t.Errorf("unexpected surviving sessions: %+v", sessions)
	}
	if got, _ := s.GetSession(ctx, "user-1", empty.ID); got != nil {
		t.Error("empty session should have been pruned")
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-1", "New Chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	deleted, err := s.DeleteSession(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}

	deleted, err = s.DeleteSession(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("second DeleteSession failed: %v", err)
	}
	if deleted {
		t.Error("expected deleted=false for missing session")
	}
}

func TestConnectionUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if conn, err := s.GetConnection(ctx, "user-1"); err != nil || conn != nil {
		t.Fatalf("expected no connection, got %+v err=%v", conn, err)
	}

	first := &domain.Connection{
		UserID:      "user-1",
		DatabaseURL: "postgresql://localhost/sales",
		TableCount:  4,
		ConnectedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.SetConnection(ctx, first); err != nil {
		t.Fatalf("SetConnection failed: %v", err)
	}

	second := &domain.Connection{
		UserID:      "user-1",
		DatabaseURL: "postgresql://localhost/hr",
		TableCount:  9,
		ConnectedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.SetConnection(ctx, second); err != nil {
		t.Fatalf("second SetConnection failed: %v", err)
	}

	got, err := s.GetConnection(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if got.DatabaseURL != second.DatabaseURL || got.TableCount != 9 {
		t.Errorf("unexpected connection: %+v", got)
	}
	if !got.ConnectedAt.Equal(second.ConnectedAt) {
		t.Errorf("connected_at = %v, want %v", got.ConnectedAt, second.ConnectedAt)
	}
}

func TestSavedVisualizations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	viz := &domain.SavedVisualization{
		ID:     "viz-1",
		UserID: "user-1",
		Title:  "Revenue by region",
		Spec: domain.VisualizationSpec{
			Type:    domain.ChartPie,
			Payload: `{"columns":["region","total"],"rows":[{"region":"west","total":42}]}`,
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveVisualization(ctx, viz); err != nil {
		t.Fatalf("SaveVisualization failed: %v", err)
	}

	list, err := s.ListVisualizations(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListVisualizations failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 visualization, got %d", len(list))
	}
	if list[0].Spec.Type != domain.ChartPie {
		t.Errorf("spec type = %q, want %q", list[0].Spec.Type, domain.ChartPie)
	}

	if other, err := s.ListVisualizations(ctx, "user-2"); err != nil || len(other) != 0 {
		t.Fatalf("expected no visualizations for other user, got %d err=%v", len(other), err)
	}

	deleted, err := s.DeleteVisualization(ctx, "user-1", "viz-1")
	if err != nil {
		t.Fatalf("DeleteVisualization failed: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}
}
