// Package document provides the versioned in-memory document model.
//
// A Document tracks the editable buffer text, the base text matching the last
// successful disk synchronization, the on-disk revision fingerprint, and a
// monotonically increasing edit sequence. Dirty state is always derived from
// comparing text against base text, never stored on its own.
//
// Exactly one foreground owner mutates a Document. Background tasks receive
// immutable Snapshot values and never touch the live Document; the internal
// lock exists only so snapshots may be taken from any goroutine.
package document

import (
	"errors"
	"strings"
	"sync"

	"github.com/dshills/loom/internal/storage/fileio"
)

// ErrInvalidEditRange is returned when ApplyEdit receives out-of-bounds
// offsets.
var ErrInvalidEditRange = errors.New("invalid edit range")

// Delta describes a single text change: the byte range [Start, End) of the
// current text is replaced with Insert.
type Delta struct {
	Start  int
	End    int
	Insert string
}

// LineDelta reports the line span affected by an applied edit, used by the
// layout cache to splice instead of recomputing everything.
type LineDelta struct {
	// StartLine is the first affected line (0-indexed).
	StartLine uint32

	// OldLines is the number of lines the replaced span covered.
	OldLines uint32

	// NewLines is the number of lines now covering that span.
	NewLines uint32
}

// Stats holds derived content counts, valid only for the edit sequence at
// which they were computed.
type Stats struct {
	Bytes int
	Lines int
	Words int
}

// Snapshot is an immutable, independently owned view of a document, safe to
// hand to a background task.
type Snapshot struct {
	Path     string
	Text     string
	BaseText string
	EditSeq  uint64
	DiskRev  fileio.Revision
	Dirty    bool
}

// Document is the authoritative editable entity for one open file.
type Document struct {
	mu sync.RWMutex

	path     string
	text     string
	baseText string
	diskRev  fileio.Revision
	editSeq  uint64
	closed   bool

	// Lazily computed stats, valid while statsSeq == editSeq.
	stats    Stats
	statsSeq uint64
	statsOK  bool
}

// New creates a document whose content was just read from disk; text and base
// text start identical, so the document opens clean.
func New(path, text string, rev fileio.Revision) *Document {
	return &Document{
		path:     path,
		text:     text,
		baseText: text,
		diskRev:  rev,
		editSeq:  1,
	}
}

// NewVirtual creates an empty document with no disk backing yet. Path may be
// empty until the first save decides one.
func NewVirtual(path string) *Document {
	return &Document{path: path, editSeq: 1}
}

// Path returns the document's file path (empty for virtual documents).
func (d *Document) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

// SetPath assigns a file path, used when a virtual document is first saved.
func (d *Document) SetPath(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = path
}

// Text returns the current buffer content.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

// EditSeq returns the current edit sequence.
func (d *Document) EditSeq() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.editSeq
}

// DiskRev returns the stored on-disk revision fingerprint.
func (d *Document) DiskRev() fileio.Revision {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.diskRev
}

// Dirty reports whether the buffer differs from the last synchronized disk
// content.
func (d *Document) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text != d.baseText
}

// Closed reports whether the document has been closed.
func (d *Document) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Close marks the document closed. Pending background responses referencing
// it are discarded at apply time.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// ApplyEdit replaces the byte range [delta.Start, delta.End) with
// delta.Insert, bumps the edit sequence, and reports the affected line span.
// Returns ErrInvalidEditRange for out-of-bounds offsets; editing never fails
// otherwise.
func (d *Document) ApplyEdit(delta Delta) (LineDelta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if delta.Start < 0 || delta.End < delta.Start || delta.End > len(d.text) {
		return LineDelta{}, ErrInvalidEditRange
	}

	startLine := uint32(strings.Count(d.text[:delta.Start], "\n"))
	oldLines := uint32(strings.Count(d.text[delta.Start:delta.End], "\n")) + 1
	newLines := uint32(strings.Count(delta.Insert, "\n")) + 1

	var b strings.Builder
	b.Grow(len(d.text) - (delta.End - delta.Start) + len(delta.Insert))
	b.WriteString(d.text[:delta.Start])
	b.WriteString(delta.Insert)
	b.WriteString(d.text[delta.End:])
	d.text = b.String()

	d.editSeq++

	return LineDelta{StartLine: startLine, OldLines: oldLines, NewLines: newLines}, nil
}

// MarkSaved records a confirmed successful atomic write: the current text
// becomes the base text and rev becomes the stored disk revision. The edit
// sequence is unchanged because the buffer content did not change.
func (d *Document) MarkSaved(rev fileio.Revision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseText = d.text
	d.diskRev = rev
}

// SetBase records the outcome of a completed disk synchronization whose
// content no longer matches the buffer: base text and disk revision move to
// the synchronized state while the buffer keeps its newer edits. The edit
// sequence is unchanged because the buffer content did not change.
func (d *Document) SetBase(text string, rev fileio.Revision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseText = text
	d.diskRev = rev
}

// AdoptExternal replaces both text and base text with externally changed
// content. Used only when no local edits are pending, or when the caller
// explicitly discards local edits during conflict resolution.
func (d *Document) AdoptExternal(text string, rev fileio.Revision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text != text {
		d.editSeq++
	}
	d.text = text
	d.baseText = text
	d.diskRev = rev
}

// ReplaceText overwrites the buffer content without touching base text or
// disk revision, as a single accepted mutation. Used when the caller adopts
// conflict-marked text for manual resolution.
func (d *Document) ReplaceText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text == text {
		return
	}
	d.text = text
	d.editSeq++
}

// Snapshot returns an immutable view of the document state safe to hand to a
// background task.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Path:     d.path,
		Text:     d.text,
		BaseText: d.baseText,
		EditSeq:  d.editSeq,
		DiskRev:  d.diskRev,
		Dirty:    d.text != d.baseText,
	}
}

// Stats returns derived content counts, recomputing lazily when the edit
// sequence has moved since the last computation.
func (d *Document) Stats() Stats {
	d.mu.RLock()
	if d.statsOK && d.statsSeq == d.editSeq {
		stats := d.stats
		d.mu.RUnlock()
		return stats
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statsOK && d.statsSeq == d.editSeq {
		return d.stats
	}
	d.stats = computeStats(d.text)
	d.statsSeq = d.editSeq
	d.statsOK = true
	return d.stats
}

func computeStats(text string) Stats {
	lines := strings.Count(text, "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		lines++
	}
	return Stats{
		Bytes: len(text),
		Lines: lines,
		Words: len(strings.Fields(text)),
	}
}
