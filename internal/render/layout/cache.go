package layout

import (
	"strings"
	"sync"
	"sync/atomic"
)

// LineDelta describes the line span a single edit touched, in the shape the
// document model reports it: OldLines lines starting at StartLine were
// replaced by NewLines lines. A nil delta means the change cannot be bounded.
type LineDelta struct {
	StartLine uint32
	OldLines  uint32
	NewLines  uint32
}

// Layout is the derived visual layout for one document state. It is immutable
// once returned; incremental updates produce a new Layout sharing unchanged
// row slices.
type Layout struct {
	// EditSeq is the document edit sequence this layout was computed from.
	EditSeq uint64

	// GeometryFP is the fingerprint of the geometry used.
	GeometryFP uint64

	lineRows [][]Row
	rows     []Row
}

// Rows returns all visual rows in order.
func (l *Layout) Rows() []Row {
	return l.rows
}

// LineRows returns the rows of one buffer line, or nil when out of range.
func (l *Layout) LineRows(line uint32) []Row {
	if int(line) >= len(l.lineRows) {
		return nil
	}
	return l.lineRows[line]
}

// LineCount returns the number of buffer lines covered.
func (l *Layout) LineCount() int {
	return len(l.lineRows)
}

// RowCount returns the total number of visual rows.
func (l *Layout) RowCount() int {
	return len(l.rows)
}

// Stats holds cache effectiveness counters.
type Stats struct {
	Hits     uint64 // unchanged key, cached layout returned as-is
	Partials uint64 // bounded delta, affected region spliced
	Fulls    uint64 // full recomputations
}

// Cache memoizes the layout of a single document. Absence or key mismatch
// simply forces recomputation, never an error.
type Cache struct {
	mu      sync.Mutex
	engine  Engine
	current *Layout

	hits     atomic.Uint64
	partials atomic.Uint64
	fulls    atomic.Uint64
}

// NewCache creates a layout cache backed by engine.
func NewCache(engine Engine) *Cache {
	return &Cache{engine: engine}
}

// Layout returns the visual layout for text at editSeq under geo.
//
// When editSeq and the geometry fingerprint match the cached layout, the
// identical layout is returned with no recomputation. When only editSeq moved
// and delta bounds the change, only the affected lines are recomputed and
// spliced. Otherwise the whole text is laid out again.
func (c *Cache) Layout(text string, editSeq uint64, geo Geometry, delta *LineDelta) *Layout {
	fp := geo.Fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.current; cur != nil && cur.EditSeq == editSeq && cur.GeometryFP == fp {
		c.hits.Add(1)
		return cur
	}

	if l := c.splice(text, editSeq, geo, fp, delta); l != nil {
		c.partials.Add(1)
		c.current = l
		return l
	}

	l := c.full(text, editSeq, geo, fp)
	c.fulls.Add(1)
	c.current = l
	return l
}

// Invalidate drops the cached layout.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Partials: c.partials.Load(),
		Fulls:    c.fulls.Load(),
	}
}

// full lays out every line of text.
func (c *Cache) full(text string, editSeq uint64, geo Geometry, fp uint64) *Layout {
	lines := strings.Split(text, "\n")
	lineRows := make([][]Row, len(lines))
	for i, line := range lines {
		lineRows[i] = c.layoutLine(line, uint32(i), geo)
	}
	return assemble(editSeq, fp, lineRows)
}

// splice recomputes only the delta's line span against the cached layout.
// Returns nil when the splice cannot be performed safely, in which case the
// caller falls back to a full layout.
func (c *Cache) splice(text string, editSeq uint64, geo Geometry, fp uint64, delta *LineDelta) *Layout {
	cur := c.current
	if cur == nil || cur.GeometryFP != fp || delta == nil {
		return nil
	}

	lines := strings.Split(text, "\n")
	start := int(delta.StartLine)
	oldN := int(delta.OldLines)
	newN := int(delta.NewLines)

	// The delta must be consistent with both the cached layout and the new
	// text, otherwise the cache cannot vouch for the unchanged regions.
	if start+oldN > len(cur.lineRows) || start+newN > len(lines) {
		return nil
	}
	if len(cur.lineRows)-oldN+newN != len(lines) {
		return nil
	}

	lineRows := make([][]Row, 0, len(lines))
	lineRows = append(lineRows, cur.lineRows[:start]...)

	for i := start; i < start+newN; i++ {
		lineRows = append(lineRows, c.layoutLine(lines[i], uint32(i), geo))
	}

	shift := newN - oldN
	for tail, rows := range cur.lineRows[start+oldN:] {
		if shift == 0 {
			lineRows = append(lineRows, rows)
			continue
		}
		moved := make([]Row, len(rows))
		copy(moved, rows)
		newLine := uint32(start + oldN + tail + shift)
		for i := range moved {
			moved[i].Line = newLine
		}
		lineRows = append(lineRows, moved)
	}

	return assemble(editSeq, fp, lineRows)
}

func (c *Cache) layoutLine(line string, lineNo uint32, geo Geometry) []Row {
	rows := c.engine.LayoutLine(line, geo)
	for i := range rows {
		rows[i].Line = lineNo
	}
	return rows
}

func assemble(editSeq, fp uint64, lineRows [][]Row) *Layout {
	total := 0
	for _, rows := range lineRows {
		total += len(rows)
	}
	flat := make([]Row, 0, total)
	for _, rows := range lineRows {
		flat = append(flat, rows...)
	}
	return &Layout{
		EditSeq:    editSeq,
		GeometryFP: fp,
		lineRows:   lineRows,
		rows:       flat,
	}
}
