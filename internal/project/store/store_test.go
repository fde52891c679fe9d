package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/loom/internal/engine/document"
	"github.com/dshills/loom/internal/engine/merge"
	"github.com/dshills/loom/internal/project/reconcile"
	"github.com/dshills/loom/internal/storage/fileio"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(append([]Option{WithoutWatcher()}, opts...)...)
	t.Cleanup(s.Shutdown)
	return s
}

// nextMessage returns the next actionable message, skipping the unchanged
// notices emitted by post-save rechecks.
func nextMessage(t *testing.T, s *Store) reconcile.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.Messages():
			if msg.Kind == reconcile.KindUnchanged {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for message")
			return reconcile.Message{}
		}
	}
}

func TestOpen_ReadsDocumentClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "hello\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if doc.Text() != "hello\n" {
		t.Errorf("Text = %q, want %q", doc.Text(), "hello\n")
	}
	if doc.Dirty() {
		t.Error("freshly opened document should be clean")
	}
	if s.Get(path) != doc {
		t.Error("Get should return the open document")
	}
}

func TestOpen_TwiceFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t)
	if _, err := s.Open(path); err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if _, err := s.Open(path); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open error = %v, want ErrAlreadyOpen", err)
	}
}

func TestOpenVirtual_FirstSaveCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "draft.md")

	s := newTestStore(t)
	doc, err := s.OpenVirtual(path)
	if err != nil {
		t.Fatalf("OpenVirtual error = %v", err)
	}
	if doc.Dirty() {
		t.Error("empty virtual document should start clean")
	}

	doc.ReplaceText("draft content")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save error = %v", err)
	}
	msg := nextMessage(t, s)
	if status := s.Apply(msg); status != ApplyUpdated {
		t.Fatalf("Apply = %v, want %v", status, ApplyUpdated)
	}

	if got := readFile(t, path); got != "draft content\n" {
		t.Errorf("disk = %q, want formatted draft", got)
	}
	if doc.Dirty() {
		t.Error("document should be clean after the first save")
	}

	// The file now exists, so explicit drift checks work.
	if err := s.CheckNow(path); err != nil {
		t.Errorf("CheckNow after first save error = %v", err)
	}
}

func TestClose_DiscardsDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if err := s.Close(path); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if !doc.Closed() {
		t.Error("document should be marked closed")
	}
	if s.Get(path) != nil {
		t.Error("closed document should not be retrievable")
	}
	if err := s.Close(path); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second Close error = %v, want ErrNotOpen", err)
	}
}

func TestSave_FormatsAndMarksSaved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "line\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}

	// Trailing whitespace and a missing final newline get fixed on save.
	doc.ReplaceText("line   \nmore")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save error = %v", err)
	}

	msg := nextMessage(t, s)
	if msg.Kind != reconcile.KindWriteComplete {
		t.Fatalf("Kind = %v, want %v", msg.Kind, reconcile.KindWriteComplete)
	}
	if status := s.Apply(msg); status != ApplyUpdated {
		t.Fatalf("Apply = %v, want %v", status, ApplyUpdated)
	}

	want := "line\nmore\n"
	if doc.Text() != want {
		t.Errorf("Text = %q, want %q", doc.Text(), want)
	}
	if doc.Dirty() {
		t.Error("document should be clean after save is applied")
	}
	if got := readFile(t, path); got != want {
		t.Errorf("disk = %q, want %q", got, want)
	}
	if !doc.DiskRev().Equal(msg.Rev) {
		t.Error("document should record the written revision")
	}
}

func TestSave_SuppressionLastsUntilApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t)
	if _, err := s.Open(path); err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("Save error = %v", err)
	}
	if !s.Suppressed(path) {
		t.Error("path should be suppressed while a save is in flight")
	}

	msg := nextMessage(t, s)
	if !s.Suppressed(path) {
		t.Error("suppression must hold until the completion is applied")
	}
	s.Apply(msg)
	if s.Suppressed(path) {
		t.Error("suppression should lift after WriteComplete is applied")
	}
}

func TestSave_StaleWriteKeepsNewerEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	doc.ReplaceText("saved\n")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save error = %v", err)
	}
	msg := nextMessage(t, s)

	// An edit lands between the snapshot and applying the completion.
	doc.ReplaceText("saved plus more\n")

	if status := s.Apply(msg); status != ApplyUpdated {
		t.Fatalf("Apply = %v, want %v", status, ApplyUpdated)
	}
	if doc.Text() != "saved plus more\n" {
		t.Errorf("Text = %q, want the newer edits kept", doc.Text())
	}
	if !doc.Dirty() {
		t.Error("document should stay dirty: buffer is ahead of the written base")
	}
	if !doc.DiskRev().Equal(msg.Rev) {
		t.Error("disk revision should still advance to the written state")
	}
}

func TestSave_QueuePolicyCoalesces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t, WithSavePolicy(SaveQueue))
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	doc.ReplaceText("one\n")
	if err := s.Save(path); err != nil {
		t.Fatalf("first Save error = %v", err)
	}
	doc.ReplaceText("two\n")
	if err := s.Save(path); err != nil {
		t.Fatalf("queued Save error = %v", err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("coalesced Save error = %v", err)
	}

	first := nextMessage(t, s)
	s.Apply(first)

	// Applying the first completion launches the single queued save.
	second := nextMessage(t, s)
	if second.Kind != reconcile.KindWriteComplete {
		t.Fatalf("Kind = %v, want %v", second.Kind, reconcile.KindWriteComplete)
	}
	s.Apply(second)

	if got := readFile(t, path); got != "two\n" {
		t.Errorf("disk = %q, want %q", got, "two\n")
	}
	if doc.Dirty() {
		t.Error("document should be clean after the queued save applies")
	}

	select {
	case msg := <-s.Messages():
		if msg.Kind != reconcile.KindUnchanged {
			t.Fatalf("unexpected extra message %v", msg.Kind)
		}
	default:
	}
}

func TestSave_RejectPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t, WithSavePolicy(SaveReject))
	if _, err := s.Open(path); err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("first Save error = %v", err)
	}
	if err := s.Save(path); !errors.Is(err, ErrSaveInFlight) {
		t.Errorf("second Save error = %v, want ErrSaveInFlight", err)
	}
	s.Apply(nextMessage(t, s))
}

func TestApply_StaleReloadDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}

	stale := reconcile.Message{
		Path:    path,
		Kind:    reconcile.KindReloaded,
		EditSeq: doc.EditSeq(),
		Text:    "external\n",
		Rev:     fileio.Revision{Size: 9, ModTime: time.Now()},
	}
	doc.ReplaceText("edited meanwhile\n")

	if status := s.Apply(stale); status != ApplyStale {
		t.Fatalf("Apply = %v, want %v", status, ApplyStale)
	}
	if doc.Text() != "edited meanwhile\n" {
		t.Errorf("Text = %q, stale reload must not overwrite edits", doc.Text())
	}
}

func TestApply_CleanMergeUpdatesBufferAndBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "A\nB\nC\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if _, err := doc.ApplyEdit(document.Delta{Start: 2, End: 3, Insert: "B2"}); err != nil {
		t.Fatalf("ApplyEdit error = %v", err)
	}

	msg := reconcile.Message{
		Path:    path,
		Kind:    reconcile.KindMergeResult,
		EditSeq: doc.EditSeq(),
		Text:    "A\nB\nC2\n",
		Rev:     fileio.Revision{Size: 8, ModTime: time.Now()},
		Outcome: merge.Outcome{Kind: merge.Clean, Text: "A\nB2\nC2\n"},
	}
	if status := s.Apply(msg); status != ApplyUpdated {
		t.Fatalf("Apply = %v, want %v", status, ApplyUpdated)
	}
	if doc.Text() != "A\nB2\nC2\n" {
		t.Errorf("Text = %q, want merged content", doc.Text())
	}
	if !doc.Dirty() {
		t.Error("merged buffer differs from disk content, document must stay dirty")
	}
	if !doc.DiskRev().Equal(msg.Rev) {
		t.Error("disk revision should advance to the merged-from state")
	}
}

func TestApply_ConflictSurfacedNotApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "A\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	doc.ReplaceText("X\n")

	msg := reconcile.Message{
		Path:    path,
		Kind:    reconcile.KindMergeResult,
		EditSeq: doc.EditSeq(),
		Text:    "Y\n",
		Rev:     fileio.Revision{Size: 2, ModTime: time.Now()},
		Outcome: merge.Outcome{Kind: merge.Conflicted, Text: "marked"},
	}
	if status := s.Apply(msg); status != ApplyConflict {
		t.Fatalf("Apply = %v, want %v", status, ApplyConflict)
	}
	if doc.Text() != "X\n" {
		t.Errorf("Text = %q, conflict must not change the buffer", doc.Text())
	}
}

func TestApply_ClosedDocumentDiscards(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	seq := doc.EditSeq()
	if err := s.Close(path); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	msg := reconcile.Message{Path: path, Kind: reconcile.KindReloaded, EditSeq: seq, Text: "y\n"}
	if status := s.Apply(msg); status != ApplyIgnored {
		t.Errorf("Apply = %v, want %v", status, ApplyIgnored)
	}
}

func TestResolveKeepMine_WritesPrimaryAndSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "A\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	doc.ReplaceText("X\n")

	sidecar, err := s.ResolveKeepMine(path, "Y\n")
	if err != nil {
		t.Fatalf("ResolveKeepMine error = %v", err)
	}
	if want := filepath.Join(dir, "notes-merge1.md"); sidecar != want {
		t.Errorf("sidecar = %q, want %q", sidecar, want)
	}
	if got := readFile(t, path); got != "X\n" {
		t.Errorf("primary = %q, want buffer content", got)
	}
	if got := readFile(t, sidecar); got != "Y\n" {
		t.Errorf("sidecar = %q, want external content", got)
	}
	if doc.Dirty() {
		t.Error("document should be clean after keep-mine")
	}

	// A second resolution picks the next free sidecar number.
	doc.ReplaceText("X2\n")
	second, err := s.ResolveKeepMine(path, "Z\n")
	if err != nil {
		t.Fatalf("second ResolveKeepMine error = %v", err)
	}
	if want := filepath.Join(dir, "notes-merge2.md"); second != want {
		t.Errorf("second sidecar = %q, want %q", second, want)
	}
}

func TestResolveUseTheirs_AdoptsExternal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "A\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	doc.ReplaceText("X\n")

	rev := fileio.Revision{Size: 2, ModTime: time.Now()}
	if err := s.ResolveUseTheirs(path, "Y\n", rev); err != nil {
		t.Fatalf("ResolveUseTheirs error = %v", err)
	}
	if doc.Text() != "Y\n" {
		t.Errorf("Text = %q, want external content", doc.Text())
	}
	if doc.Dirty() {
		t.Error("document should be clean after use-theirs")
	}
	if !doc.DiskRev().Equal(rev) {
		t.Error("disk revision should match the adopted state")
	}
}

func TestResolveAcceptMarked_LoadsMarkedText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "A\n")

	s := newTestStore(t)
	doc, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	doc.ReplaceText("X\n")

	marked := merge.MarkerOurs + "\nX\n" + merge.MarkerSeparator + "\nY\n" + merge.MarkerTheirs + "\n"
	rev := fileio.Revision{Size: 2, ModTime: time.Now()}
	if err := s.ResolveAcceptMarked(path, marked, "Y\n", rev); err != nil {
		t.Fatalf("ResolveAcceptMarked error = %v", err)
	}
	if doc.Text() != marked {
		t.Errorf("Text = %q, want the marked text", doc.Text())
	}
	if !doc.Dirty() {
		t.Error("marked buffer differs from disk, document must be dirty")
	}
	if !doc.DiskRev().Equal(rev) {
		t.Error("disk revision should match the merged-from state")
	}
}
