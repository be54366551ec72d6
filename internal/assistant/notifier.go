package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// sendBuffer bounds queued notifications per tab. Slow readers drop
// notifications rather than block the turn.
const sendBuffer = 16

// ChangeNotifier fans session-change signals out to the user's open
// browser tabs over websockets, so a turn finishing in one tab
// refreshes the history list in the others.
type ChangeNotifier struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

type subscriber struct {
	msgs chan []byte
}

type changeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// NewChangeNotifier creates an empty notifier hub.
func NewChangeNotifier(logger *slog.Logger) *ChangeNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeNotifier{
		logger:      logger,
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// SessionChanged notifies all of the user's tabs that a session's
// transcript changed.
func (n *ChangeNotifier) SessionChanged(userID, sessionID string) {
	data, err := json.Marshal(changeEvent{
		Type:      "session_changed",
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		n.logger.Warn("failed to encode change event", "error", err)
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub := range n.subscribers[userID] {
		select {
		case sub.msgs <- data:
		default:
			// Tab is not keeping up; it will catch up on next reload.
		}
	}
}

// SubscriberCount reports how many tabs the user has connected.
func (n *ChangeNotifier) SubscriberCount(userID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[userID])
}

func (n *ChangeNotifier) add(userID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subscribers[userID] == nil {
		n.subscribers[userID] = make(map[*subscriber]struct{})
	}
	n.subscribers[userID][sub] = struct{}{}
}

func (n *ChangeNotifier) remove(userID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscribers[userID], sub)
	if len(n.subscribers[userID]) == 0 {
		delete(n.subscribers, userID)
	}
}

// Serve upgrades the request to a websocket and pushes change events
// until the client disconnects. Authentication happens before this is
// called.
func (n *ChangeNotifier) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		n.logger.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer func() {
		if err := ws.Close(websocket.StatusNormalClosure, "done"); err != nil {
			n.logger.Debug("failed to close websocket", "user_id", userID, "error", err)
		}
	}()

	sub := &subscriber{msgs: make(chan []byte, sendBuffer)}
	n.add(userID, sub)
	defer n.remove(userID, sub)

	n.logger.Debug("tab subscribed to session changes", "user_id", userID)

	// Write-only connection; CloseRead surfaces client disconnects
	// through the context.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.msgs:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ws.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				n.logger.Debug("websocket write failed", "user_id", userID, "error", err)
				return
			}
		}
	}
}
