package app

import (
	"errors"
	"sync"
	"time"

	"github.com/dshills/loom/internal/engine/document"
	"github.com/dshills/loom/internal/format"
	"github.com/dshills/loom/internal/project/reconcile"
	"github.com/dshills/loom/internal/project/store"
	"github.com/dshills/loom/internal/storage/fileio"
)

// Options configures the manager.
type Options struct {
	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string

	// Format holds the save-time formatting options.
	Format format.Options

	// SavePolicy decides what happens to overlapping saves.
	SavePolicy store.SavePolicy

	// CheckInterval overrides the drift polling interval when positive.
	CheckInterval time.Duration

	// DisableWatch turns off background drift checking; drift is then only
	// detected through explicit CheckNow calls.
	DisableWatch bool

	// Logger overrides the default stderr logger.
	Logger *Logger
}

// DefaultOptions returns the default manager configuration.
func DefaultOptions() Options {
	return Options{
		LogLevel: "info",
		Format:   format.DefaultOptions(),
	}
}

// Conflict is a pending conflicted merge awaiting a resolution choice.
type Conflict struct {
	// Path identifies the document.
	Path string

	// Marked is the merge text with conflict markers.
	Marked string

	// Theirs is the external disk content the merge observed.
	Theirs string

	// Rev is the disk revision of the external content.
	Rev fileio.Revision
}

// Manager owns the document store and drains its background messages,
// applying results and holding conflicted merges until a resolution call.
type Manager struct {
	store  *store.Store
	logger *Logger

	mu        sync.Mutex
	conflicts map[string]Conflict
	running   bool

	stop chan struct{}
	done chan struct{}
}

// New creates a manager from opts. The message pump is idle until Start.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		cfg := DefaultLoggerConfig()
		cfg.Level = ParseLogLevel(opts.LogLevel)
		logger = NewLogger(cfg)
	}

	storeOpts := []store.Option{
		store.WithFormatOptions(opts.Format),
		store.WithSavePolicy(opts.SavePolicy),
	}
	if opts.CheckInterval > 0 {
		storeOpts = append(storeOpts, store.WithCheckInterval(opts.CheckInterval))
	}
	if opts.DisableWatch {
		storeOpts = append(storeOpts, store.WithoutWatcher())
	}

	return &Manager{
		store:     store.New(storeOpts...),
		logger:    logger,
		conflicts: make(map[string]Conflict),
	}
}

// Store exposes the underlying document store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *Logger {
	return m.logger
}

// Start launches the message pump.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.pump()
	return nil
}

// Shutdown stops the message pump and closes every open document.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.store.Shutdown()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.store.Shutdown()
}

// pump drains background messages and applies them in arrival order.
func (m *Manager) pump() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case msg := <-m.store.Messages():
			m.handle(msg)
		}
	}
}

func (m *Manager) handle(msg reconcile.Message) {
	status := m.store.Apply(msg)
	log := m.logger.WithField("path", msg.Path)

	switch status {
	case store.ApplyConflict:
		m.mu.Lock()
		m.conflicts[msg.Path] = Conflict{
			Path:   msg.Path,
			Marked: msg.Outcome.Text,
			Theirs: msg.Text,
			Rev:    msg.Rev,
		}
		m.mu.Unlock()
		log.Warn("external change conflicts with local edits")

	case store.ApplyUpdated:
		// Any applied update supersedes a previously recorded conflict.
		m.mu.Lock()
		delete(m.conflicts, msg.Path)
		m.mu.Unlock()
		log.Debug("applied %s", msg.Kind)

	case store.ApplyStale:
		log.Debug("discarded stale %s", msg.Kind)

	default:
		if msg.Kind == reconcile.KindFailed {
			log.Error("background operation failed: %v", msg.Err)
		}
	}
}

// Open opens path and begins reconciling it.
func (m *Manager) Open(path string) (*document.Document, error) {
	doc, err := m.store.Open(path)
	if err != nil {
		return nil, NewOperationError("open", path, err)
	}
	m.logger.WithField("path", path).Info("opened")
	return doc, nil
}

// Get returns the open document for path, or nil.
func (m *Manager) Get(path string) *document.Document {
	return m.store.Get(path)
}

// Save requests a background save for path.
func (m *Manager) Save(path string) error {
	if err := m.store.Save(path); err != nil {
		return NewOperationError("save", path, err)
	}
	return nil
}

// Close closes the document at path.
func (m *Manager) Close(path string) error {
	m.mu.Lock()
	delete(m.conflicts, path)
	m.mu.Unlock()

	if err := m.store.Close(path); err != nil {
		return NewOperationError("close", path, err)
	}
	m.logger.WithField("path", path).Info("closed")
	return nil
}

// CheckNow runs one synchronous drift check for path.
func (m *Manager) CheckNow(path string) error {
	return m.store.CheckNow(path)
}

// Conflict returns the pending conflict for path, if any.
func (m *Manager) Conflict(path string) (Conflict, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[path]
	return c, ok
}

// Conflicts returns all pending conflicts.
func (m *Manager) Conflicts() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	return out
}

// takeConflict removes and returns the pending conflict for path.
func (m *Manager) takeConflict(path string) (Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[path]
	if !ok {
		return Conflict{}, NewOperationError("resolve", path, ErrNoConflict)
	}
	delete(m.conflicts, path)
	return c, nil
}

// ResolveKeepMine keeps the buffer content: the external content is
// preserved in a merge sidecar and the buffer is written to the file.
// Returns the sidecar path. A SidecarError means the file itself was
// written and the conflict counts as resolved; any other error leaves the
// conflict pending.
func (m *Manager) ResolveKeepMine(path string) (string, error) {
	c, err := m.takeConflict(path)
	if err != nil {
		return "", err
	}
	sidecar, err := m.store.ResolveKeepMine(path, c.Theirs)
	if err != nil {
		var sidecarErr *store.SidecarError
		if !errors.As(err, &sidecarErr) {
			m.mu.Lock()
			m.conflicts[path] = c
			m.mu.Unlock()
		}
		m.logger.WithField("path", path).Error("keep-mine resolution: %v", err)
		return sidecar, NewOperationError("resolve", path, err)
	}
	m.logger.WithField("path", path).Info("kept local content, external content in %s", sidecar)
	return sidecar, nil
}

// ResolveUseTheirs discards buffer edits and adopts the external content.
func (m *Manager) ResolveUseTheirs(path string) error {
	c, err := m.takeConflict(path)
	if err != nil {
		return err
	}
	if err := m.store.ResolveUseTheirs(path, c.Theirs, c.Rev); err != nil {
		return NewOperationError("resolve", path, err)
	}
	m.logger.WithField("path", path).Info("adopted external content")
	return nil
}

// ResolveAcceptMarked loads the conflict-marked merge text into the buffer
// for manual resolution.
func (m *Manager) ResolveAcceptMarked(path string) error {
	c, err := m.takeConflict(path)
	if err != nil {
		return err
	}
	if err := m.store.ResolveAcceptMarked(path, c.Marked, c.Theirs, c.Rev); err != nil {
		return NewOperationError("resolve", path, err)
	}
	m.logger.WithField("path", path).Info("accepted marked merge text")
	return nil
}
