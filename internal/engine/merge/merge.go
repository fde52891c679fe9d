// Package merge implements a pure three-way line merge over text snapshots.
//
// Merge is deterministic and side-effect free: identical inputs always
// produce identical output, which is what makes reconciliation testable. Two
// line-based diffs (base to ours, base to theirs) are computed independently;
// hunks touching disjoint base ranges both apply, identical hunks apply once,
// and overlapping hunks with differing content become conflict regions marked
// with conventional conflict markers.
package merge

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict markers embedded in Conflicted output.
const (
	MarkerOurs      = "<<<<<<< ours\n"
	MarkerSeparator = "=======\n"
	MarkerTheirs    = ">>>>>>> theirs\n"
)

// maxMergeLines bounds the hunk walk; larger inputs fall back to a single
// whole-file conflict region.
const maxMergeLines = 20000

// Kind distinguishes the two merge outcomes.
type Kind int

const (
	// Clean means all edits merged without conflict.
	Clean Kind = iota

	// Conflicted means at least one region needs a user decision; Text embeds
	// both versions behind conflict markers.
	Conflicted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Outcome is the result of a three-way merge: merged text when Clean,
// conflict-marked text when Conflicted. Pure data, no behavior.
type Outcome struct {
	Kind Kind
	Text string
}

// edit is a base-anchored hunk: base lines [baseStart, baseEnd) are replaced
// with replacement.
type edit struct {
	baseStart   int
	baseEnd     int
	replacement string
}

// Merge reconciles two divergent edits of base into one result.
// ours is the in-memory buffer, theirs the on-disk content.
func Merge(base, ours, theirs string) Outcome {
	// One-sided and identical changes never conflict.
	if ours == theirs {
		return Outcome{Kind: Clean, Text: ours}
	}
	if base == ours {
		return Outcome{Kind: Clean, Text: theirs}
	}
	if base == theirs {
		return Outcome{Kind: Clean, Text: ours}
	}

	baseLines := splitLines(base)

	maxLines := len(baseLines)
	if n := countLines(ours); n > maxLines {
		maxLines = n
	}
	if n := countLines(theirs); n > maxLines {
		maxLines = n
	}
	if maxLines > maxMergeLines {
		return wholeFileConflict(ours, theirs)
	}

	oursEdits := lineEdits(base, ours)
	theirsEdits := lineEdits(base, theirs)

	var merged, marked strings.Builder
	pos := 0
	iOurs, iTheirs := 0, 0
	hasConflicts := false

	for {
		var oe, te *edit
		if iOurs < len(oursEdits) {
			oe = &oursEdits[iOurs]
		}
		if iTheirs < len(theirsEdits) {
			te = &theirsEdits[iTheirs]
		}

		nextStart := len(baseLines)
		switch {
		case oe != nil && te != nil:
			nextStart = oe.baseStart
			if te.baseStart < nextStart {
				nextStart = te.baseStart
			}
		case oe != nil:
			nextStart = oe.baseStart
		case te != nil:
			nextStart = te.baseStart
		}

		for ; pos < nextStart; pos++ {
			merged.WriteString(baseLines[pos])
			marked.WriteString(baseLines[pos])
		}

		if oe == nil && te == nil {
			break
		}

		// Only one side has edits left: apply it directly.
		if oe == nil || te == nil {
			e := oe
			if e == nil {
				e = te
			}
			merged.WriteString(e.replacement)
			marked.WriteString(e.replacement)
			pos = e.baseEnd
			if oe != nil {
				iOurs++
			} else {
				iTheirs++
			}
			continue
		}

		// Both sides made the exact same change.
		if oe.baseStart == pos && te.baseStart == pos && *oe == *te {
			merged.WriteString(oe.replacement)
			marked.WriteString(oe.replacement)
			pos = oe.baseEnd
			iOurs++
			iTheirs++
			continue
		}

		if !editsOverlap(*oe, *te) {
			// Apply whichever edit starts first.
			e := oe
			if te.baseStart < oe.baseStart {
				e = te
			}
			merged.WriteString(e.replacement)
			marked.WriteString(e.replacement)
			pos = e.baseEnd
			if e == oe {
				iOurs++
			} else {
				iTheirs++
			}
			continue
		}

		// Collect the minimal overlapping group of edits from both sides.
		conflictStart := pos
		oursGroupStart, theirsGroupStart := iOurs, iTheirs

		groupEnd := conflictStart
		if oe.baseStart == conflictStart {
			if oe.baseEnd > groupEnd {
				groupEnd = oe.baseEnd
			}
			iOurs++
		}
		if te.baseStart == conflictStart {
			if te.baseEnd > groupEnd {
				groupEnd = te.baseEnd
			}
			iTheirs++
		}
		for {
			progressed := false
			if iOurs < len(oursEdits) && oursEdits[iOurs].baseStart < groupEnd {
				if oursEdits[iOurs].baseEnd > groupEnd {
					groupEnd = oursEdits[iOurs].baseEnd
				}
				iOurs++
				progressed = true
			}
			if iTheirs < len(theirsEdits) && theirsEdits[iTheirs].baseStart < groupEnd {
				if theirsEdits[iTheirs].baseEnd > groupEnd {
					groupEnd = theirsEdits[iTheirs].baseEnd
				}
				iTheirs++
				progressed = true
			}
			if !progressed {
				break
			}
		}

		oursChunk := renderRange(baseLines, conflictStart, groupEnd, oursEdits[oursGroupStart:iOurs])
		theirsChunk := renderRange(baseLines, conflictStart, groupEnd, theirsEdits[theirsGroupStart:iTheirs])

		if oursChunk == theirsChunk {
			merged.WriteString(oursChunk)
			marked.WriteString(oursChunk)
		} else {
			hasConflicts = true
			merged.WriteString(oursChunk)

			ensureNewline(&marked)
			marked.WriteString(MarkerOurs)
			marked.WriteString(oursChunk)
			ensureNewline(&marked)
			marked.WriteString(MarkerSeparator)
			marked.WriteString(theirsChunk)
			ensureNewline(&marked)
			marked.WriteString(MarkerTheirs)
		}

		pos = groupEnd
	}

	if hasConflicts {
		return Outcome{Kind: Conflicted, Text: marked.String()}
	}
	return Outcome{Kind: Clean, Text: merged.String()}
}

// lineEdits computes base-anchored replacement hunks from a line-mode diff.
func lineEdits(base, other string) []edit {
	dmp := diffmatchpatch.New()
	encBase, encOther, lines := dmp.DiffLinesToChars(base, other)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(encBase, encOther, false), lines)

	var edits []edit
	basePos := 0
	open := -1 // index into edits of the hunk being extended

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			open = -1
			basePos += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			if open < 0 {
				edits = append(edits, edit{baseStart: basePos, baseEnd: basePos})
				open = len(edits) - 1
			}
			n := countLines(d.Text)
			edits[open].baseEnd += n
			basePos += n
		case diffmatchpatch.DiffInsert:
			if open < 0 {
				edits = append(edits, edit{baseStart: basePos, baseEnd: basePos})
				open = len(edits) - 1
			}
			edits[open].replacement += d.Text
		}
	}
	return edits
}

// editsOverlap reports whether two base ranges collide. Pure insertions
// (empty ranges) collide only when targeting the same point; adjacent
// non-empty ranges do not overlap.
func editsOverlap(left, right edit) bool {
	if left.baseStart == left.baseEnd && right.baseStart == right.baseEnd {
		return left.baseStart == right.baseStart
	}
	if left.baseStart == left.baseEnd {
		return right.baseStart <= left.baseStart && left.baseStart < right.baseEnd
	}
	if right.baseStart == right.baseEnd {
		return left.baseStart <= right.baseStart && right.baseStart < left.baseEnd
	}
	return left.baseStart < right.baseEnd && right.baseStart < left.baseEnd
}

// renderRange applies a side's edits to base lines [start, end).
func renderRange(baseLines []string, start, end int, edits []edit) string {
	var out strings.Builder
	pos := start
	for i := range edits {
		e := &edits[i]
		for ; pos < e.baseStart; pos++ {
			out.WriteString(baseLines[pos])
		}
		out.WriteString(e.replacement)
		pos = e.baseEnd
	}
	for ; pos < end; pos++ {
		out.WriteString(baseLines[pos])
	}
	return out.String()
}

func wholeFileConflict(ours, theirs string) Outcome {
	var marked strings.Builder
	marked.WriteString(MarkerOurs)
	marked.WriteString(ours)
	ensureNewline(&marked)
	marked.WriteString(MarkerSeparator)
	marked.WriteString(theirs)
	ensureNewline(&marked)
	marked.WriteString(MarkerTheirs)
	return Outcome{Kind: Conflicted, Text: marked.String()}
}

func ensureNewline(b *strings.Builder) {
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
}

// splitLines splits text into lines that keep their terminating newline; a
// final segment without a newline still counts as a line.
func splitLines(text string) []string {
	var lines []string
	for len(text) > 0 {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			lines = append(lines, text)
			break
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
	}
	return lines
}

func countLines(text string) int {
	n := strings.Count(text, "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
