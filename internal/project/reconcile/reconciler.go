package reconcile

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/loom/internal/engine/document"
	"github.com/dshills/loom/internal/engine/merge"
	"github.com/dshills/loom/internal/storage/fileio"
)

const (
	defaultInterval = 2 * time.Second
	debounceWindow  = 25 * time.Millisecond
)

// Suppressor reports whether drift signals for a path must be deferred, used
// to keep the watcher from treating this program's own in-flight save as an
// external change.
type Suppressor interface {
	Suppressed(path string) bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval sets the polling interval backing up filesystem events.
func WithInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithSuppressor installs a save-suppression check.
func WithSuppressor(s Suppressor) Option {
	return func(r *Reconciler) {
		r.suppress = s
	}
}

// Reconciler watches one open document's backing file and reconciles drift.
type Reconciler struct {
	doc      *document.Document
	path     string
	out      chan<- Message
	interval time.Duration
	suppress Suppressor

	mu       sync.Mutex
	inFlight bool
	recheck  bool
	running  bool

	stop chan struct{}
	done chan struct{}
}

// New creates a reconciler for doc, emitting messages on out. The reconciler
// is idle until Start is called; CheckNow works either way.
func New(doc *document.Document, path string, out chan<- Message, opts ...Option) *Reconciler {
	r := &Reconciler{
		doc:      doc,
		path:     path,
		out:      out,
		interval: defaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background loop: an fsnotify watch on the file's parent
// directory (saves replace the file node via rename, so the file itself is a
// moving target) plus an interval ticker as a fallback for filesystems
// without reliable events.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(r.path)); werr != nil {
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	go r.loop(watcher)
	return nil
}

// Stop terminates the background loop and waits for it to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	<-r.done
}

// CheckNow performs one synchronous drift check. A check arriving while
// another is in flight coalesces into a recheck after the current one
// completes instead of running concurrently.
func (r *Reconciler) CheckNow() {
	for {
		r.mu.Lock()
		if r.inFlight {
			r.recheck = true
			r.mu.Unlock()
			return
		}
		r.inFlight = true
		r.mu.Unlock()

		r.runCheck()

		r.mu.Lock()
		r.inFlight = false
		again := r.recheck
		r.recheck = false
		r.mu.Unlock()

		if !again {
			return
		}
	}
}

// loop is the background driver combining debounced filesystem events with
// interval polling.
func (r *Reconciler) loop(watcher *fsnotify.Watcher) {
	defer close(r.done)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	var events <-chan fsnotify.Event
	var errors <-chan error
	if watcher != nil {
		events = watcher.Events
		errors = watcher.Errors
	}

	for {
		select {
		case <-r.stop:
			return

		case <-ticker.C:
			r.CheckNow()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !r.eventMatches(ev) {
				continue
			}
			// Coalesce bursts of events into one check.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceWindow)

		case <-debounce.C:
			r.CheckNow()

		case _, ok := <-errors:
			if !ok {
				errors = nil
			}
			// Watch errors are non-fatal; polling still covers drift.
		}
	}
}

// eventMatches reports whether a directory event refers to this document's
// file and a relevant operation.
func (r *Reconciler) eventMatches(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Rename) || ev.Op.Has(fsnotify.Remove)
}

// runCheck captures a snapshot, compares fingerprints, and reads/merges on
// drift. It operates only on the captured snapshot, never the live document.
func (r *Reconciler) runCheck() {
	if r.suppress != nil && r.suppress.Suppressed(r.path) {
		// A save from this program is in flight; the resulting revision will
		// be adopted when WriteComplete is applied, and the store rechecks
		// afterwards.
		return
	}

	snap := r.doc.Snapshot()

	rev, err := fileio.DiskRevision(r.path)
	if err != nil {
		r.emit(Message{Path: r.path, Kind: KindFailed, EditSeq: snap.EditSeq, Err: err})
		return
	}

	if rev.Equal(snap.DiskRev) {
		r.emit(Message{Path: r.path, Kind: KindUnchanged, EditSeq: snap.EditSeq, Rev: rev})
		return
	}

	text, readRev, err := fileio.ReadStable(r.path)
	if err != nil {
		r.emit(Message{Path: r.path, Kind: KindFailed, EditSeq: snap.EditSeq, Err: err})
		return
	}

	if !snap.Dirty {
		r.emit(Message{
			Path:    r.path,
			Kind:    KindReloaded,
			EditSeq: snap.EditSeq,
			Text:    text,
			Rev:     readRev,
		})
		return
	}

	outcome := merge.Merge(snap.BaseText, snap.Text, text)
	r.emit(Message{
		Path:    r.path,
		Kind:    KindMergeResult,
		EditSeq: snap.EditSeq,
		Text:    text,
		Rev:     readRev,
		Outcome: outcome,
	})
}

func (r *Reconciler) emit(msg Message) {
	if r.stop == nil {
		// Not started; synchronous callers still get the message.
		r.out <- msg
		return
	}
	select {
	case r.out <- msg:
	case <-r.stop:
	}
}
