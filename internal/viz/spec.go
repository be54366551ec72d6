// Package viz turns visualization payloads and query results into
// declarative chart specifications. Payload text is only ever parsed as
// data, never evaluated.
package viz

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/abelyaev/datachat/internal/backend"
	"github.com/abelyaev/datachat/internal/domain"
)

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// Series is one named sequence of numeric values.
type Series struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ChartSpec is a fully resolved, render-ready chart description. The
// client draws it from structured fields alone.
type ChartSpec struct {
	Kind   domain.ChartKind `json:"kind"`
	Title  string           `json:"title,omitempty"`
	Labels []string         `json:"labels,omitempty"`
	Series []Series         `json:"series,omitempty"`

	// Table and single-value fallbacks.
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`
	Value   string           `json:"value,omitempty"`
	Caption string           `json:"caption,omitempty"`
}

// Build resolves a visualization into a ChartSpec. The payload may
// carry its own data as a fenced JSON block of {columns, rows}; when it
// does not, the turn's query results are used. With no usable data the
// spec degrades to a table or text rather than failing the turn.
func Build(v *domain.VisualizationSpec, fallback *domain.QueryResult) *ChartSpec {
	kind := domain.ChartBar
	if v != nil && v.Type != "" {
		kind = v.Type
	}

	data := payloadData(v)
	if data == nil {
		data = fallback
	}
	if data == nil || len(data.Rows) == 0 {
		return &ChartSpec{Kind: domain.ChartText, Caption: "No data to visualize."}
	}

	// A single cell reads better as a headline number than a chart.
	if len(data.Columns) == 1 && len(data.Rows) == 1 {
		return &ChartSpec{
			Kind:    domain.ChartText,
			Value:   cellString(data.Rows[0][data.Columns[0]]),
			Caption: data.Columns[0],
		}
	}

	if kind == domain.ChartTable || kind == domain.ChartText {
		return &ChartSpec{Kind: domain.ChartTable, Columns: data.Columns, Rows: data.Rows}
	}

	labelCol, numericCols := classifyColumns(data)
	if len(numericCols) == 0 {
		return &ChartSpec{Kind: domain.ChartTable, Columns: data.Columns, Rows: data.Rows}
	}

	spec := &ChartSpec{Kind: kind}
	for _, row := range data.Rows {
		spec.Labels = append(spec.Labels, cellString(row[labelCol]))
	}

	if kind == domain.ChartPie {
		numericCols = numericCols[:1]
	}
	for _, col := range numericCols {
		series := Series{Name: col}
		for _, row := range data.Rows {
			value, _ := cellFloat(row[col])
			series.Values = append(series.Values, value)
		}
		spec.Series = append(spec.Series, series)
	}
	return spec
}

// payloadData extracts an embedded {columns, rows} dataset from the
// payload's fenced JSON block, if present and well formed.
func payloadData(v *domain.VisualizationSpec) *domain.QueryResult {
	if v == nil || !strings.HasPrefix(strings.TrimSpace(v.Payload), "```json") {
		return nil
	}
	match := fencedJSON.FindStringSubmatch(v.Payload)
	if match == nil {
		return nil
	}
	results, err := backend.NormalizeResults(json.RawMessage(match[1]))
	if err != nil || len(results.Rows) == 0 {
		return nil
	}
	return results
}

// classifyColumns picks the label column (first non-numeric, else the
// first column) and the numeric value columns.
func classifyColumns(data *domain.QueryResult) (string, []string) {
	labelCol := ""
	var numericCols []string

	for _, col := range data.Columns {
		if _, ok := cellFloat(data.Rows[0][col]); ok {
			numericCols = append(numericCols, col)
		} else if labelCol == "" {
			labelCol = col
		}
	}
	if labelCol == "" && len(data.Columns) > 0 {
		labelCol = data.Columns[0]
	}

	// The label column never doubles as a series.
	filtered := numericCols[:0]
	for _, col := range numericCols {
		if col != labelCol {
			filtered = append(filtered, col)
		}
	}
	return labelCol, filtered
}

func cellFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cellString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// Whole numbers print without a trailing ".0".
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
