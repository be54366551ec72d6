package viz

import (
	"fmt"
	"strings"

	"github.com/abelyaev/datachat/internal/domain"
)

// renderMaxRows bounds the text rendering of large tables.
const renderMaxRows = 10

// RenderText renders a ChartSpec as plain text, the fallback surface
// for clients that cannot draw charts.
func RenderText(spec *ChartSpec) string {
	if spec == nil {
		return ""
	}

	switch spec.Kind {
	case domain.ChartText:
		if spec.Value != "" {
			if spec.Caption != "" {
				return fmt.Sprintf("%s: %s", spec.Caption, spec.Value)
			}
			return spec.Value
		}
		return spec.Caption

	case domain.ChartTable:
		return renderTable(spec)

	default:
		return renderSeries(spec)
	}
}

func renderTable(spec *ChartSpec) string {
	if len(spec.Columns) == 0 || len(spec.Rows) == 0 {
		return "No data to visualize."
	}

	var b strings.Builder
	b.WriteString(strings.Join(spec.Columns, " | "))
	b.WriteString("\n")

	for i, row := range spec.Rows {
		if i == renderMaxRows {
			fmt.Fprintf(&b, "... and %d more rows\n", len(spec.Rows)-renderMaxRows)
			break
		}
		cells := make([]string, len(spec.Columns))
		for j, col := range spec.Columns {
			cells[j] = cellString(row[col])
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSeries(spec *ChartSpec) string {
	if len(spec.Series) == 0 {
		return "No data to visualize."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s chart\n", spec.Kind)
	for _, series := range spec.Series {
		fmt.Fprintf(&b, "%s:", series.Name)
		for i, value := range series.Values {
			label := ""
			if i < len(spec.Labels) {
				label = spec.Labels[i]
			}
			fmt.Fprintf(&b, " %s=%s", label, cellString(value))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
