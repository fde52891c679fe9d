package format

import "strings"

// FenceState tracks whether a line scan is currently inside a fenced code
// block. It is the shared boundary detector used by save-time formatting and
// by the highlighter; it understands backtick and tilde fences but no other
// markdown grammar.
type FenceState struct {
	open      bool
	marker    byte
	markerLen int
}

// InFence reports whether the scan is inside an open fence.
func (s *FenceState) InFence() bool {
	return s.open
}

// Consume inspects one line and updates the fence state. It returns true when
// the line is a fence delimiter (opening or closing). A closing delimiter
// must use the same marker, be at least as long as the opening run, and carry
// no info string.
func (s *FenceState) Consume(line string) bool {
	marker, markerLen, rest, ok := parseFenceMarker(line)
	if !ok {
		return false
	}

	if !s.open {
		s.open = true
		s.marker = marker
		s.markerLen = markerLen
		return true
	}

	if marker == s.marker && markerLen >= s.markerLen && strings.TrimSpace(rest) == "" {
		s.open = false
		return true
	}
	return false
}

// parseFenceMarker recognizes a run of three or more backticks or tildes
// after optional leading whitespace.
func parseFenceMarker(line string) (marker byte, markerLen int, rest string, ok bool) {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return 0, 0, "", false
	}
	first := trimmed[0]
	if first != '`' && first != '~' {
		return 0, 0, "", false
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == first {
		n++
	}
	if n < 3 {
		return 0, 0, "", false
	}
	return first, n, trimmed[n:], true
}
