// Package backend provides the HTTP client for the query analysis
// service and the decoding of its line-delimited streaming events.
package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abelyaev/datachat/internal/domain"
)

// EventType identifies a streaming record kind.
type EventType string

const (
	EventStatus        EventType = "status"
	EventMessage       EventType = "message"
	EventChat          EventType = "chat"
	EventSQL           EventType = "sql"
	EventResults       EventType = "results"
	EventVisualization EventType = "visualization"
	EventCorrection    EventType = "correction"
	EventClarification EventType = "clarification"
	EventEmptyResults  EventType = "empty_results"
	EventError         EventType = "error"
)

var errNotObjectRow = errors.New("result row is not an object")

// Event is one decoded record from the query stream. Only the fields
// relevant to the event's type are populated.
type Event struct {
	Type          EventType
	Text          string
	SQL           string
	Results       *domain.QueryResult
	Visualization *domain.VisualizationSpec
}

// rawEvent mirrors the wire envelope. The service uses "data" for the
// type-specific payload and "message" for human-readable text; older
// records put text in "data" directly.
type rawEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	SQL     string          `json:"sql"`
}

// ParseEvent decodes one line of the query stream. Unknown types are
// returned as-is with only Text populated so callers can decide to skip
// them.
func ParseEvent(line []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode stream record: %w", err)
	}
	if raw.Type == "" {
		return nil, errors.New("stream record has no type")
	}

	ev := &Event{Type: EventType(raw.Type)}

	switch ev.Type {
	case EventMessage, EventChat:
		ev.Text = dataString(raw.Data)
		if ev.Text == "" {
			ev.Text = raw.Message
		}

	case EventStatus:
		ev.Text = raw.Message
		if ev.Text == "" {
			ev.Text = dataString(raw.Data)
		}
		if ev.Text == "" {
			ev.Text = "Processing..."
		}

	case EventSQL:
		ev.SQL = dataString(raw.Data)
		if ev.SQL == "" {
			ev.SQL = raw.SQL
		}

	case EventResults:
		results, err := NormalizeResults(raw.Data)
		if err != nil {
			return nil, fmt.Errorf("normalize results payload: %w", err)
		}
		ev.Results = results

	case EventVisualization:
		viz, err := normalizeVisualization(raw.Data)
		if err != nil {
			return nil, fmt.Errorf("normalize visualization payload: %w", err)
		}
		ev.Visualization = viz

	case EventCorrection:
		ev.SQL = raw.SQL
		if ev.SQL == "" {
			ev.SQL = dataString(raw.Data)
		}
		ev.Text = raw.Message

	case EventClarification, EventEmptyResults:
		ev.Text = raw.Message
		if ev.Text == "" {
			ev.Text = dataString(raw.Data)
		}

	case EventError:
		ev.Text = raw.Error
		if ev.Text == "" {
			ev.Text = raw.Message
		}
		if ev.Text == "" {
			ev.Text = dataString(raw.Data)
		}

	default:
		ev.Text = raw.Message
	}

	return ev, nil
}

// dataString returns the payload as plain text when it is a JSON string,
// or "" otherwise.
func dataString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// NormalizeResults accepts either an already-shaped {columns, rows}
// object or a bare array of row objects. When no explicit column list is
// given, columns are taken from the first row's keys in their original
// order.
func NormalizeResults(raw json.RawMessage) (*domain.QueryResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &domain.QueryResult{}, nil
	}

	var rawRows []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rawRows); err != nil {
			return nil, err
		}
		return buildResults(nil, rawRows)
	}

	var shaped struct {
		Columns []string        `json:"columns"`
		Rows    json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(trimmed, &shaped); err != nil {
		return nil, err
	}
	if len(shaped.Rows) > 0 && !bytes.Equal(bytes.TrimSpace(shaped.Rows), []byte("null")) {
		if err := json.Unmarshal(shaped.Rows, &rawRows); err != nil {
			return nil, err
		}
	}
	return buildResults(shaped.Columns, rawRows)
}

func buildResults(columns []string, rawRows []json.RawMessage) (*domain.QueryResult, error) {
	results := &domain.QueryResult{Columns: columns}
	for _, rawRow := range rawRows {
		var row map[string]any
		if err := json.Unmarshal(rawRow, &row); err != nil {
			return nil, err
		}
		results.Rows = append(results.Rows, row)
	}
	if len(results.Columns) == 0 && len(rawRows) > 0 {
		keys, err := firstRowKeys(rawRows[0])
		if err != nil {
			return nil, err
		}
		results.Columns = keys
	}
	return results, nil
}

// firstRowKeys lists an object's keys in document order. A plain map
// decode would lose the order the service sent the columns in.
func firstRowKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errNotObjectRow
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in result row", tok)
		}
		keys = append(keys, key)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// normalizeVisualization applies the wire defaults: chart kind falls
// back to bar and the payload to empty.
func normalizeVisualization(raw json.RawMessage) (*domain.VisualizationSpec, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &domain.VisualizationSpec{Type: domain.ChartBar}, nil
	}

	var shaped struct {
		Type       string `json:"type"`
		PlotlyCode string `json:"plotly_code"`
	}
	if err := json.Unmarshal(trimmed, &shaped); err != nil {
		return nil, err
	}

	viz := &domain.VisualizationSpec{
		Type:    domain.ChartKind(shaped.Type),
		Payload: shaped.PlotlyCode,
	}
	if viz.Type == "" {
		viz.Type = domain.ChartBar
	}
	return viz, nil
}
