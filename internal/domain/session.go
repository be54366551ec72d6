package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// titleMaxRunes is the truncation point for session titles derived from
// the first user message.
const titleMaxRunes = 40

// ChatSession is one persisted conversation thread between a user and
// the query assistant. Messages are kept in insertion order, which is
// the conversation order.
type ChatSession struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"created_at"`
	Messages  []ChatMessage `json:"messages"`
}

// HasUserMessage reports whether the session contains at least one
// user-authored message with non-blank content. Sessions without one
// are eligible for pruning rather than persistence.
func (s *ChatSession) HasUserMessage() bool {
	for i := range s.Messages {
		m := &s.Messages[i]
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}

// MessageByID returns a pointer to the message with the given ID, or nil.
func (s *ChatSession) MessageByID(id string) *ChatMessage {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return &s.Messages[i]
		}
	}
	return nil
}

// LastContext returns up to n trailing messages as role/content pairs,
// the bounded conversational window sent with a query request.
func (s *ChatSession) LastContext(n int) []ContextMessage {
	msgs := s.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]ContextMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, ContextMessage{Role: string(msgs[i].Role), Content: msgs[i].Content})
	}
	return out
}

// ContextMessage is the wire form of a prior message sent for context.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TitleFromQuestion derives a session title from the first user
// question, truncated to a length that fits the history sidebar.
func TitleFromQuestion(question string) string {
	question = strings.TrimSpace(question)
	if utf8.RuneCountInString(question) <= titleMaxRunes {
		return question
	}
	runes := []rune(question)
	return string(runes[:titleMaxRunes]) + "..."
}
