package layout

import (
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

// Row is one visual row of a laid-out buffer line.
type Row struct {
	// Line is the source buffer line (0-indexed).
	Line uint32

	// Seg is the row index within the line (0 when unwrapped).
	Seg int

	// Text is the row content after tab expansion.
	Text string

	// Width is the visual width of Text in columns.
	Width int
}

// Engine produces wrap rows for a single line of text under a geometry.
// The Line field of returned rows is assigned by the cache. Implementations
// must be pure: identical inputs yield identical rows.
type Engine interface {
	LayoutLine(text string, geo Geometry) []Row
}

// WrapEngine is the production Engine. It expands tabs to tab stops, measures
// visual width per grapheme cluster, and wraps without splitting a cluster.
type WrapEngine struct{}

// NewWrapEngine returns the production layout engine.
func NewWrapEngine() *WrapEngine {
	return &WrapEngine{}
}

// LayoutLine lays out one line (without its newline) into visual rows.
func (e *WrapEngine) LayoutLine(text string, geo Geometry) []Row {
	tabWidth := geo.TabWidth
	if tabWidth <= 0 {
		tabWidth = 4
	}

	if geo.Wrap == WrapNone || geo.Width <= 0 {
		expanded, width := expandTabs(text, tabWidth)
		return []Row{{Seg: 0, Text: expanded, Width: width}}
	}

	var rows []Row
	var row strings.Builder
	rowWidth := 0

	// Last space boundary inside the current row, for word wrapping.
	breakBytes := -1
	breakWidth := 0

	flush := func(keepTail string, tailWidth int) {
		rows = append(rows, Row{Seg: len(rows), Text: row.String(), Width: rowWidth})
		row.Reset()
		row.WriteString(keepTail)
		rowWidth = tailWidth
		breakBytes = -1
		breakWidth = 0
	}

	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := gr.Str()

		var clusterWidth int
		if cluster == "\t" {
			cluster = strings.Repeat(" ", tabWidth-rowWidth%tabWidth)
			clusterWidth = len(cluster)
		} else {
			clusterWidth = runewidth.StringWidth(cluster)
		}

		if rowWidth+clusterWidth > geo.Width && rowWidth > 0 {
			if breakBytes > 0 {
				// Re-wrap at the last space boundary.
				full := row.String()
				tail := full[breakBytes:]
				tailWidth := rowWidth - breakWidth
				row.Reset()
				row.WriteString(full[:breakBytes])
				rowWidth = breakWidth
				flush(tail, tailWidth)
			} else {
				flush("", 0)
			}
		}

		row.WriteString(cluster)
		rowWidth += clusterWidth

		if cluster == " " {
			breakBytes = row.Len()
			breakWidth = rowWidth
		}
	}

	rows = append(rows, Row{Seg: len(rows), Text: row.String(), Width: rowWidth})
	return rows
}

// expandTabs replaces tabs with spaces up to the next tab stop and returns
// the expanded text with its visual width.
func expandTabs(text string, tabWidth int) (string, int) {
	if !strings.ContainsRune(text, '\t') {
		return text, runewidth.StringWidth(text)
	}

	var out strings.Builder
	width := 0
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := gr.Str()
		if cluster == "\t" {
			pad := tabWidth - width%tabWidth
			out.WriteString(strings.Repeat(" ", pad))
			width += pad
			continue
		}
		out.WriteString(cluster)
		width += runewidth.StringWidth(cluster)
	}
	return out.String(), width
}
