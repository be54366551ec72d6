// Package assistant drives streamed question turns: it validates input,
// persists the conversation, relays the query stream, and folds each
// decoded event into the turn's assistant message.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/abelyaev/datachat/internal/backend"
	"github.com/abelyaev/datachat/internal/domain"
	"github.com/abelyaev/datachat/internal/store"
	"github.com/google/uuid"
)

// Messages shown to the user on locally rejected input.
const (
	NoConnectionMessage = "Please connect to a database first before asking questions."
	InFlightMessage     = "A request is already in progress for this chat. Please wait for it to finish."
	LimitMessage        = "This chat has reached its message limit. Please start a new chat to continue."
)

// contextWindow bounds how many prior messages accompany a question.
const contextWindow = 5

// ErrSessionNotFound indicates the turn targeted a missing or
// foreign session.
var ErrSessionNotFound = errors.New("session not found")

// QueryStreamer is the slice of the backend client the controller
// consumes. Tests substitute their own implementation.
type QueryStreamer interface {
	QueryStream(ctx context.Context, token string, query backend.QueryRequest) iter.Seq2[*backend.Event, error]
}

// Notifier receives session-change signals for connected browser tabs.
type Notifier interface {
	SessionChanged(userID, sessionID string)
}

// TurnUpdate is one progress report from a running turn. Status carries
// the transient indicator text; Message is the current snapshot of the
// turn's assistant message.
type TurnUpdate struct {
	Status  string              `json:"status,omitempty"`
	Message *domain.ChatMessage `json:"message,omitempty"`
	Done    bool                `json:"done,omitempty"`
}

// Controller owns the per-session turn state machine. At most one turn
// runs per session at a time.
type Controller struct {
	store    store.SessionStore
	streamer QueryStreamer
	notifier Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewController creates a turn controller. The notifier may be nil.
func NewController(sessions store.SessionStore, streamer QueryStreamer, notifier Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    sessions,
		streamer: streamer,
		notifier: notifier,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// Active reports whether a turn is currently running for the session.
func (c *Controller) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// Cancel stops the session's running turn, if any.
func (c *Controller) Cancel(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.active[sessionID]
	if ok {
		cancel()
	}
	return ok
}

func (c *Controller) tryAcquire(sessionID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[sessionID]; ok {
		return false
	}
	c.active[sessionID] = cancel
	return true
}

func (c *Controller) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, sessionID)
}

// SubmitQuestion runs one turn: the question is persisted, streamed to
// the query service, and the service's events are folded into a single
// assistant message, yielding a TurnUpdate after every change. Blank
// input is a no-op. Validation failures produce an error-tagged
// assistant message and no network request.
func (c *Controller) SubmitQuestion(ctx context.Context, token, userID, sessionID, question string) iter.Seq2[*TurnUpdate, error] {
	return func(yield func(*TurnUpdate, error) bool) {
		question = strings.TrimSpace(question)
		if question == "" {
			return
		}

		session, err := c.store.GetSession(ctx, userID, sessionID)
		if err != nil {
			yield(nil, fmt.Errorf("load session: %w", err))
			return
		}
		if session == nil {
			yield(nil, ErrSessionNotFound)
			return
		}

		conn, err := c.store.GetConnection(ctx, userID)
		if err != nil {
			yield(nil, fmt.Errorf("load connection: %w", err))
			return
		}
		if conn == nil {
			c.rejectTurn(ctx, sessionID, NoConnectionMessage, yield)
			return
		}

		// A user message plus its answer must both fit under the cap.
		if len(session.Messages)+2 > c.store.MaxMessagesPerChat() {
			c.rejectTurn(ctx, sessionID, LimitMessage, yield)
			return
		}

		turnCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if !c.tryAcquire(sessionID, cancel) {
			c.rejectTurn(ctx, sessionID, InFlightMessage, yield)
			return
		}
		defer c.release(sessionID)

		// Context for the service is the conversation before this turn.
		previous := session.LastContext(contextWindow)

		if !session.HasUserMessage() {
			if err := c.store.UpdateSessionTitle(ctx, sessionID, domain.TitleFromQuestion(question)); err != nil {
				c.logger.Warn("failed to update session title", "session_id", sessionID, "error", err)
			}
		}

		userMsg := &domain.ChatMessage{
			ID:        "user-msg-" + uuid.NewString(),
			Role:      domain.RoleUser,
			Content:   question,
			CreatedAt: time.Now().Truncate(time.Millisecond),
		}
		if err := c.store.AppendMessage(ctx, sessionID, userMsg); err != nil {
			yield(nil, fmt.Errorf("persist user message: %w", err))
			return
		}

		// Placeholder the stream folds into.
		reply := &domain.ChatMessage{
			ID:        "assistant-msg-" + uuid.NewString(),
			Role:      domain.RoleAssistant,
			Content:   "",
			CreatedAt: time.Now().Truncate(time.Millisecond),
		}
		if err := c.store.AppendMessage(ctx, sessionID, reply); err != nil {
			yield(nil, fmt.Errorf("persist assistant placeholder: %w", err))
			return
		}

		if !yield(&TurnUpdate{Status: "Processing your query...", Message: snapshot(reply)}, nil) {
			return
		}

		c.runStream(turnCtx, token, userID, sessionID, question, previous, reply, yield)
	}
}

// runStream relays the query stream into the placeholder message.
func (c *Controller) runStream(ctx context.Context, token, userID, sessionID, question string, previous []domain.ContextMessage, reply *domain.ChatMessage, yield func(*TurnUpdate, error) bool) {
	req := backend.QueryRequest{
		Message:          question,
		UserID:           userID,
		PreviousMessages: previous,
	}

	for ev, err := range c.streamer.QueryStream(ctx, token, req) {
		if err != nil {
			c.failTurn(sessionID, reply, err, yield)
			return
		}
		stop, persist := c.applyEvent(ev, reply)
		if persist != nil {
			if err := c.store.UpdateMessageFields(context.WithoutCancel(ctx), sessionID, reply.ID, *persist); err != nil {
				c.logger.Warn("failed to persist turn progress",
					"session_id", sessionID, "message_id", reply.ID, "error", err)
			}
		}

		update := &TurnUpdate{Message: snapshot(reply)}
		switch ev.Type {
		case backend.EventStatus:
			update = &TurnUpdate{Status: ev.Text}
		case backend.EventSQL:
			update.Status = "Executing SQL query..."
		}
		if !yield(update, nil) {
			return
		}
		if stop {
			break
		}
	}

	c.finishTurn(ctx, userID, sessionID, reply, yield)
}

// applyEvent folds one stream event into the reply. It returns whether
// the turn should stop and which fields changed.
func (c *Controller) applyEvent(ev *backend.Event, reply *domain.ChatMessage) (bool, *store.MessageUpdate) {
	switch ev.Type {
	case backend.EventStatus:
		return false, nil

	case backend.EventMessage, backend.EventChat:
		reply.Content += ev.Text
		return false, &store.MessageUpdate{Content: &reply.Content}

	case backend.EventSQL:
		reply.SQL = ev.SQL
		return false, &store.MessageUpdate{SQL: &reply.SQL}

	case backend.EventResults:
		reply.Results = ev.Results
		reply.Type = domain.MessageTypeResults
		reply.Content += "\n\n" + ev.Results.SummaryText()
		return false, &store.MessageUpdate{
			Content: &reply.Content,
			Type:    &reply.Type,
			Results: reply.Results,
		}

	case backend.EventVisualization:
		reply.Visualization = ev.Visualization
		reply.Content += "\n\n" + ev.Visualization.DescriptionText()
		return false, &store.MessageUpdate{
			Content:       &reply.Content,
			Visualization: reply.Visualization,
		}

	case backend.EventCorrection:
		reply.SQL = ev.SQL
		reply.Type = domain.MessageTypeCorrection
		if ev.Text != "" {
			reply.Content += "\n\n" + ev.Text
		}
		return false, &store.MessageUpdate{
			Content: &reply.Content,
			Type:    &reply.Type,
			SQL:     &reply.SQL,
		}

	case backend.EventClarification:
		reply.Content = ev.Text
		reply.Type = domain.MessageTypeClarification
		return false, &store.MessageUpdate{Content: &reply.Content, Type: &reply.Type}

	case backend.EventEmptyResults:
		reply.Content = ev.Text
		if reply.Content == "" {
			reply.Content = "The query returned no results."
		}
		reply.Type = domain.MessageTypeEmptyResults
		return false, &store.MessageUpdate{Content: &reply.Content, Type: &reply.Type}

	case backend.EventError:
		reply.Content = ev.Text
		reply.Type = domain.MessageTypeError
		return true, &store.MessageUpdate{Content: &reply.Content, Type: &reply.Type}

	default:
		c.logger.Debug("ignoring unknown stream event", "type", ev.Type)
		return false, nil
	}
}

// failTurn converts a transport failure into an error-tagged message.
// The turn ends but the session stays consistent.
func (c *Controller) failTurn(sessionID string, reply *domain.ChatMessage, cause error, yield func(*TurnUpdate, error) bool) {
	c.logger.Error("query stream failed", "session_id", sessionID, "error", cause)

	reply.Content = fmt.Sprintf("Error processing your query: %v", cause)
	if errors.Is(cause, backend.ErrUnauthorized) {
		reply.Content = "Your session has expired. Please log in again."
	}
	reply.Type = domain.MessageTypeError

	upd := store.MessageUpdate{Content: &reply.Content, Type: &reply.Type}
	if err := c.store.UpdateMessageFields(context.Background(), sessionID, reply.ID, upd); err != nil {
		c.logger.Warn("failed to persist turn failure", "session_id", sessionID, "error", err)
	}
	yield(&TurnUpdate{Message: snapshot(reply), Done: true}, nil)
}

func (c *Controller) finishTurn(ctx context.Context, userID, sessionID string, reply *domain.ChatMessage, yield func(*TurnUpdate, error) bool) {
	if reply.Content == "" && reply.Results == nil && reply.Type == "" {
		reply.Content = "I wasn't able to generate a response. Please try asking again."
		reply.Type = domain.MessageTypeText
		upd := store.MessageUpdate{Content: &reply.Content, Type: &reply.Type}
		if err := c.store.UpdateMessageFields(context.WithoutCancel(ctx), sessionID, reply.ID, upd); err != nil {
			c.logger.Warn("failed to persist fallback content", "session_id", sessionID, "error", err)
		}
	}

	if c.notifier != nil {
		c.notifier.SessionChanged(userID, sessionID)
	}
	yield(&TurnUpdate{Message: snapshot(reply), Done: true}, nil)
}

// rejectTurn surfaces a validation failure as an assistant error
// message without contacting the query service. The message is
// persisted when the session still has room.
func (c *Controller) rejectTurn(ctx context.Context, sessionID, text string, yield func(*TurnUpdate, error) bool) {
	msg := &domain.ChatMessage{
		ID:        "error-msg-" + uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   text,
		Type:      domain.MessageTypeError,
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := c.store.AppendMessage(ctx, sessionID, msg); err != nil && !errors.Is(err, store.ErrMessageLimit) {
		c.logger.Warn("failed to persist rejection message", "session_id", sessionID, "error", err)
	}
	yield(&TurnUpdate{Message: snapshot(msg), Done: true}, nil)
}

func snapshot(msg *domain.ChatMessage) *domain.ChatMessage {
	copied := *msg
	return &copied
}
