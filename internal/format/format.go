// Package format applies save-time formatting to document text.
//
// The three recognized options arrive pre-parsed from the configuration
// collaborator; this package never reads configuration files. Trailing
// whitespace is preserved inside fenced code blocks and for two-space
// markdown hard breaks.
package format

import "strings"

// EndOfLine selects the line ending written on save.
type EndOfLine int

const (
	// EOLAuto keeps CRLF when the source already contains CRLF, LF otherwise.
	EOLAuto EndOfLine = iota
	// EOLLF forces "\n".
	EOLLF
	// EOLCRLF forces "\r\n".
	EOLCRLF
)

// String returns the option name.
func (e EndOfLine) String() string {
	switch e {
	case EOLLF:
		return "lf"
	case EOLCRLF:
		return "crlf"
	default:
		return "auto"
	}
}

// Options are the three recognized formatting options, consumed as opaque
// values.
type Options struct {
	TrimTrailingWhitespace bool
	InsertFinalNewline     bool
	EndOfLine              EndOfLine
}

// DefaultOptions mirrors the defaults used when no configuration applies.
func DefaultOptions() Options {
	return Options{
		TrimTrailingWhitespace: true,
		InsertFinalNewline:     true,
		EndOfLine:              EOLAuto,
	}
}

// Apply formats source according to opts and returns the result.
func Apply(source string, opts Options) string {
	eol := "\n"
	switch opts.EndOfLine {
	case EOLCRLF:
		eol = "\r\n"
	case EOLLF:
		eol = "\n"
	case EOLAuto:
		if strings.Contains(source, "\r\n") {
			eol = "\r\n"
		}
	}

	normalized := source
	if strings.ContainsRune(normalized, '\r') {
		normalized = strings.ReplaceAll(normalized, "\r\n", "\n")
		normalized = strings.ReplaceAll(normalized, "\r", "\n")
	}

	var out strings.Builder
	out.Grow(len(normalized) + 2)

	var fence FenceState
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		fence.Consume(line)

		if opts.TrimTrailingWhitespace && !fence.InFence() {
			hardBreak := strings.HasSuffix(line, "  ")
			out.WriteString(strings.TrimRight(line, " \t"))
			if hardBreak {
				out.WriteString("  ")
			}
		} else {
			out.WriteString(line)
		}

		if i < len(lines)-1 {
			out.WriteString(eol)
		}
	}

	result := out.String()
	if opts.InsertFinalNewline && !strings.HasSuffix(result, eol) {
		result += eol
	}
	return result
}
