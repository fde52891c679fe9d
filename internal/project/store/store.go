// Package store coordinates open documents, their reconcilers, and saves.
//
// The Store is the foreground owner of every open document. Background work
// (drift checks, atomic writes) reports back on a single message channel;
// the owner drains it and calls Apply, which enforces staleness discards and
// conflict surfacing. Saves run in the background with self-notification
// suppression so the watcher does not mistake our own write for external
// drift.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/loom/internal/engine/document"
	"github.com/dshills/loom/internal/engine/merge"
	"github.com/dshills/loom/internal/format"
	"github.com/dshills/loom/internal/project/reconcile"
	"github.com/dshills/loom/internal/storage/fileio"
)

// Errors returned by store operations.
var (
	// ErrNotOpen indicates the path has no open document.
	ErrNotOpen = errors.New("document not open")

	// ErrAlreadyOpen indicates the path already has an open document.
	ErrAlreadyOpen = errors.New("document already open")

	// ErrSaveInFlight indicates a save was rejected because one is already
	// running for the path and the policy is SaveReject.
	ErrSaveInFlight = errors.New("save already in flight")
)

// SavePolicy decides what happens when Save is called while a save for the
// same path is still in flight.
type SavePolicy int

const (
	// SaveQueue remembers one pending save and runs it after the in-flight
	// write completes. Repeated requests coalesce into that single rerun.
	SaveQueue SavePolicy = iota

	// SaveReject returns ErrSaveInFlight instead of queueing.
	SaveReject
)

// SidecarError reports a failed sidecar write during conflict resolution.
// The primary file write already succeeded when this error is returned.
type SidecarError struct {
	Path string
	Err  error
}

func (e *SidecarError) Error() string {
	return fmt.Sprintf("sidecar write %s: %v", e.Path, e.Err)
}

func (e *SidecarError) Unwrap() error { return e.Err }

// ApplyStatus reports what Apply did with a background message.
type ApplyStatus int

const (
	// ApplyIgnored means the message required no document change: an
	// unchanged check, an unknown or closed document, or a reported failure.
	ApplyIgnored ApplyStatus = iota

	// ApplyStale means the document was edited after the background snapshot
	// was taken and the result was discarded.
	ApplyStale

	// ApplyUpdated means document state changed.
	ApplyUpdated

	// ApplyConflict means a conflicted merge result awaits a resolution call.
	ApplyConflict
)

// String returns the status name.
func (a ApplyStatus) String() string {
	switch a {
	case ApplyStale:
		return "stale"
	case ApplyUpdated:
		return "updated"
	case ApplyConflict:
		return "conflict"
	default:
		return "ignored"
	}
}

// Option configures a Store.
type Option func(*Store)

// WithFormatOptions sets the save-time formatting options.
func WithFormatOptions(opts format.Options) Option {
	return func(s *Store) { s.format = opts }
}

// WithSavePolicy sets the overlapping-save policy.
func WithSavePolicy(policy SavePolicy) Option {
	return func(s *Store) { s.policy = policy }
}

// WithCheckInterval sets the reconciler polling interval.
func WithCheckInterval(interval time.Duration) Option {
	return func(s *Store) { s.interval = interval }
}

// WithoutWatcher disables the background reconciler loops; drift checks then
// only run when CheckNow is invoked explicitly. Intended for one-shot tools.
func WithoutWatcher() Option {
	return func(s *Store) { s.watch = false }
}

// Store owns the set of open documents and their background machinery.
type Store struct {
	format   format.Options
	policy   SavePolicy
	interval time.Duration
	watch    bool

	mu      sync.Mutex
	docs    map[string]*document.Document
	recs    map[string]*reconcile.Reconciler
	saving  map[string]struct{}
	pending map[string]struct{}
	closed  bool

	messages chan reconcile.Message
	done     chan struct{}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		format:   format.DefaultOptions(),
		policy:   SaveQueue,
		watch:    true,
		docs:     make(map[string]*document.Document),
		recs:     make(map[string]*reconcile.Reconciler),
		saving:   make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		messages: make(chan reconcile.Message, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Messages returns the channel carrying background outcomes. The owner
// drains it and passes each message to Apply.
func (s *Store) Messages() <-chan reconcile.Message {
	return s.messages
}

// Open reads path from disk and registers a document plus its reconciler.
func (s *Store) Open(path string) (*document.Document, error) {
	s.mu.Lock()
	if _, ok := s.docs[path]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyOpen)
	}
	s.mu.Unlock()

	text, rev, err := fileio.ReadStable(path)
	if err != nil {
		return nil, err
	}
	doc := document.New(path, text, rev)
	rec := s.newReconciler(doc, path)

	s.mu.Lock()
	if _, ok := s.docs[path]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyOpen)
	}
	s.docs[path] = doc
	s.recs[path] = rec
	s.mu.Unlock()

	if s.watch {
		if err := rec.Start(); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// OpenVirtual registers a new empty document for path without touching disk.
// No reconciler runs until the first successful save creates the file.
func (s *Store) OpenVirtual(path string) (*document.Document, error) {
	doc := document.NewVirtual(path)

	s.mu.Lock()
	if _, ok := s.docs[path]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyOpen)
	}
	s.docs[path] = doc
	s.mu.Unlock()
	return doc, nil
}

func (s *Store) newReconciler(doc *document.Document, path string) *reconcile.Reconciler {
	opts := []reconcile.Option{reconcile.WithSuppressor(s)}
	if s.interval > 0 {
		opts = append(opts, reconcile.WithInterval(s.interval))
	}
	return reconcile.New(doc, path, s.messages, opts...)
}

// ensureReconciler backfills the reconciler for a virtual document once its
// file exists on disk.
func (s *Store) ensureReconciler(path string) {
	s.mu.Lock()
	doc := s.docs[path]
	_, exists := s.recs[path]
	if doc == nil || exists {
		s.mu.Unlock()
		return
	}
	rec := s.newReconciler(doc, path)
	s.recs[path] = rec
	s.mu.Unlock()

	if s.watch {
		_ = rec.Start()
	}
}

// Get returns the open document for path, or nil.
func (s *Store) Get(path string) *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[path]
}

// CheckNow runs one synchronous drift check for path.
func (s *Store) CheckNow(path string) error {
	s.mu.Lock()
	rec := s.recs[path]
	s.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("%s: %w", path, ErrNotOpen)
	}
	rec.CheckNow()
	return nil
}

// Close stops the reconciler for path and marks the document closed. Pending
// background messages for it are discarded when applied.
func (s *Store) Close(path string) error {
	s.mu.Lock()
	doc := s.docs[path]
	rec := s.recs[path]
	delete(s.docs, path)
	delete(s.recs, path)
	delete(s.saving, path)
	delete(s.pending, path)
	s.mu.Unlock()

	if doc == nil {
		return fmt.Errorf("%s: %w", path, ErrNotOpen)
	}
	if rec != nil {
		rec.Stop()
	}
	doc.Close()
	return nil
}

// Shutdown closes every open document and releases background resources.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	docs := s.docs
	recs := s.recs
	s.docs = make(map[string]*document.Document)
	s.recs = make(map[string]*reconcile.Reconciler)
	s.mu.Unlock()

	for _, rec := range recs {
		rec.Stop()
	}
	for _, doc := range docs {
		doc.Close()
	}
	close(s.done)
}

// Suppressed reports whether a save for path is in flight, deferring drift
// checks for the self-written revision until WriteComplete is applied.
func (s *Store) Suppressed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saving[path]
	return ok
}

// Save formats the document, applies the formatted text as a regular edit,
// and writes the result to disk in the background. Completion arrives as a
// KindWriteComplete message. An overlapping request queues or is rejected
// per the save policy.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	doc := s.docs[path]
	if doc == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", path, ErrNotOpen)
	}
	if _, inFlight := s.saving[path]; inFlight {
		if s.policy == SaveReject {
			s.mu.Unlock()
			return fmt.Errorf("%s: %w", path, ErrSaveInFlight)
		}
		s.pending[path] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	s.saving[path] = struct{}{}
	fopts := s.format
	s.mu.Unlock()

	formatted := format.Apply(doc.Text(), fopts)
	doc.ReplaceText(formatted)
	snap := doc.Snapshot()

	go s.write(snap)
	return nil
}

// write performs the atomic disk write for a captured snapshot.
func (s *Store) write(snap document.Snapshot) {
	rev, err := fileio.AtomicWrite(snap.Path, snap.Text)
	if err != nil {
		s.deliver(reconcile.Message{
			Path:    snap.Path,
			Kind:    reconcile.KindFailed,
			EditSeq: snap.EditSeq,
			Err:     err,
		})
		return
	}
	s.deliver(reconcile.Message{
		Path:    snap.Path,
		Kind:    reconcile.KindWriteComplete,
		EditSeq: snap.EditSeq,
		Text:    snap.Text,
		Rev:     rev,
	})
}

func (s *Store) deliver(msg reconcile.Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

// Apply integrates one background message into document state. Messages
// snapshotted at an edit sequence the document has since moved past are
// discarded as stale; conflicted merge results are never applied here and
// instead return ApplyConflict so the owner can drive resolution.
func (s *Store) Apply(msg reconcile.Message) ApplyStatus {
	s.mu.Lock()
	doc := s.docs[msg.Path]
	s.mu.Unlock()

	if doc == nil || doc.Closed() {
		if msg.Kind == reconcile.KindWriteComplete || msg.Kind == reconcile.KindFailed {
			s.finishSave(msg.Path)
		}
		return ApplyIgnored
	}

	switch msg.Kind {
	case reconcile.KindUnchanged:
		return ApplyIgnored

	case reconcile.KindFailed:
		// A failure for a path with a save in flight is that save's failure;
		// suppressed reconcilers emit nothing.
		s.finishSave(msg.Path)
		return ApplyIgnored

	case reconcile.KindReloaded:
		if msg.EditSeq != doc.EditSeq() {
			return ApplyStale
		}
		doc.AdoptExternal(msg.Text, msg.Rev)
		return ApplyUpdated

	case reconcile.KindMergeResult:
		if msg.EditSeq != doc.EditSeq() {
			return ApplyStale
		}
		if msg.Outcome.Kind == merge.Conflicted {
			return ApplyConflict
		}
		doc.ReplaceText(msg.Outcome.Text)
		doc.SetBase(msg.Text, msg.Rev)
		return ApplyUpdated

	case reconcile.KindWriteComplete:
		s.ensureReconciler(msg.Path)
		if msg.EditSeq == doc.EditSeq() {
			doc.MarkSaved(msg.Rev)
		} else {
			// Edits landed while the write ran; the written content becomes
			// the base and the buffer keeps the newer edits.
			doc.SetBase(msg.Text, msg.Rev)
		}
		s.finishSave(msg.Path)
		return ApplyUpdated
	}

	return ApplyIgnored
}

// finishSave lifts suppression, rechecks for drift deferred during the save,
// and runs a queued save if one accumulated.
func (s *Store) finishSave(path string) {
	s.mu.Lock()
	_, wasSaving := s.saving[path]
	delete(s.saving, path)
	_, again := s.pending[path]
	delete(s.pending, path)
	rec := s.recs[path]
	s.mu.Unlock()

	if !wasSaving {
		return
	}
	if rec != nil {
		go rec.CheckNow()
	}
	if again {
		_ = s.Save(path)
	}
}

// ResolveKeepMine resolves a conflict by keeping the buffer content. The
// external content (theirs) is first preserved in a fresh merge sidecar,
// then the document is formatted and written to its path. A sidecar failure
// is returned as a SidecarError but never blocks the primary write; the
// caller can tell the primary succeeded by the error type.
func (s *Store) ResolveKeepMine(path, theirs string) (string, error) {
	s.mu.Lock()
	doc := s.docs[path]
	if doc == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%s: %w", path, ErrNotOpen)
	}
	s.saving[path] = struct{}{}
	fopts := s.format
	s.mu.Unlock()
	defer s.finishSave(path)

	// The overwrite destroys the only durable copy of theirs, so the
	// sidecar is written first.
	var sidecarErr error
	sidecar, err := fileio.SidecarPath(path)
	if err != nil {
		sidecarErr = &SidecarError{Path: path, Err: err}
		sidecar = ""
	} else if _, err := fileio.AtomicWrite(sidecar, theirs); err != nil {
		sidecarErr = &SidecarError{Path: sidecar, Err: err}
		sidecar = ""
	}

	formatted := format.Apply(doc.Text(), fopts)
	doc.ReplaceText(formatted)
	snap := doc.Snapshot()

	rev, err := fileio.AtomicWrite(path, snap.Text)
	if err != nil {
		return sidecar, err
	}
	if doc.EditSeq() == snap.EditSeq {
		doc.MarkSaved(rev)
	} else {
		doc.SetBase(snap.Text, rev)
	}
	return sidecar, sidecarErr
}

// ResolveUseTheirs resolves a conflict by discarding buffer edits and
// adopting the external content at the revision the merge observed.
func (s *Store) ResolveUseTheirs(path, theirs string, rev fileio.Revision) error {
	s.mu.Lock()
	doc := s.docs[path]
	s.mu.Unlock()
	if doc == nil {
		return fmt.Errorf("%s: %w", path, ErrNotOpen)
	}
	doc.AdoptExternal(theirs, rev)
	return nil
}

// ResolveAcceptMarked resolves a conflict by loading the conflict-marked
// merge text into the buffer for manual editing. The external content and
// its revision become the document's base so the drift already merged is
// not reported again.
func (s *Store) ResolveAcceptMarked(path, marked, theirs string, rev fileio.Revision) error {
	s.mu.Lock()
	doc := s.docs[path]
	s.mu.Unlock()
	if doc == nil {
		return fmt.Errorf("%s: %w", path, ErrNotOpen)
	}
	doc.ReplaceText(marked)
	doc.SetBase(theirs, rev)
	return nil
}
