package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType classifies an assistant message beyond plain text.
type MessageType string

const (
	// MessageTypeText is the default classification.
	MessageTypeText MessageType = "text"
	// MessageTypeError marks a locally or remotely failed turn.
	MessageTypeError MessageType = "error"
	// MessageTypeResults marks a message carrying tabular query output.
	MessageTypeResults MessageType = "results"
	// MessageTypeStatus marks transient progress text.
	MessageTypeStatus MessageType = "status"
	// MessageTypeCorrection marks a message whose SQL was corrected mid-turn.
	MessageTypeCorrection MessageType = "correction"
	// MessageTypeEmptyResults marks a turn whose query matched nothing.
	MessageTypeEmptyResults MessageType = "empty_results"
	// MessageTypeClarification marks a clarifying question from the backend.
	MessageTypeClarification MessageType = "clarification"
)

// ChatMessage is a single transcript entry. Assistant content is
// mutable while its turn streams; user content is immutable once
// committed.
type ChatMessage struct {
	ID            string             `json:"id"`
	Role          Role               `json:"role"`
	Content       string             `json:"content"`
	Type          MessageType        `json:"type,omitempty"`
	SQL           string             `json:"sql,omitempty"`
	Results       *QueryResult       `json:"results,omitempty"`
	Visualization *VisualizationSpec `json:"visualization,omitempty"`
	CreatedAt     time.Time          `json:"timestamp"`
}

// QueryResult is the tabular output of an executed query. Column order
// is significant; every row's key set is a subset of Columns.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// SummaryText returns the human-readable row-count phrase appended to a
// message when results arrive.
func (r *QueryResult) SummaryText() string {
	if r == nil || len(r.Rows) == 0 {
		return "The query returned no results."
	}
	noun := "results"
	if len(r.Rows) == 1 {
		noun = "result"
	}
	return fmt.Sprintf("Found %d %s. You can see the data below.", len(r.Rows), noun)
}

// ChartKind tags a visualization with its chart family.
type ChartKind string

const (
	ChartBar     ChartKind = "bar"
	ChartLine    ChartKind = "line"
	ChartScatter ChartKind = "scatter"
	ChartPie     ChartKind = "pie"
	ChartTable   ChartKind = "table"
	ChartText    ChartKind = "text"
)

// VisualizationSpec describes one chart: a kind tag plus an opaque
// payload. The payload is untrusted server output and is only ever
// interpreted as data, never executed.
type VisualizationSpec struct {
	Type    ChartKind `json:"type"`
	Payload string    `json:"plotly_code"`
}

// DescriptionText returns the one-line phrase appended to a message
// when a visualization arrives.
func (v *VisualizationSpec) DescriptionText() string {
	return fmt.Sprintf("I've created a %s chart to visualize this data.", v.Type)
}
