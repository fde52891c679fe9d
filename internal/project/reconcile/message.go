// Package reconcile keeps an open document consistent with its backing file.
//
// One Reconciler runs per open document. Filesystem events (debounced) and an
// interval ticker both drive a drift check: the live disk fingerprint is
// compared against the snapshot's stored revision, and on drift the file is
// read and either adopted (clean buffer) or three-way merged (dirty buffer).
// Results travel back to the foreground as Messages; the background never
// touches the live document.
package reconcile

import (
	"github.com/dshills/loom/internal/engine/merge"
	"github.com/dshills/loom/internal/storage/fileio"
)

// Kind identifies a background outcome.
type Kind int

const (
	// KindUnchanged reports a drift check that found the file unmodified.
	KindUnchanged Kind = iota

	// KindReloaded carries externally changed content for a clean document.
	KindReloaded

	// KindMergeResult carries the outcome of a three-way merge for a dirty
	// document with external changes.
	KindMergeResult

	// KindWriteComplete confirms an atomic write finished.
	KindWriteComplete

	// KindFailed reports a background operation error.
	KindFailed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUnchanged:
		return "unchanged"
	case KindReloaded:
		return "reloaded"
	case KindMergeResult:
		return "merge-result"
	case KindWriteComplete:
		return "write-complete"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a discrete background outcome applied by the foreground in
// arrival order. EditSeq records the document edit sequence the work was
// computed from; the foreground discards messages whose sequence no longer
// matches (cancellation by staleness).
type Message struct {
	// Path identifies the document.
	Path string

	// Kind selects which fields below are meaningful.
	Kind Kind

	// EditSeq is the edit sequence of the snapshot the background task
	// operated on.
	EditSeq uint64

	// Text is the disk content for KindReloaded and KindMergeResult, and the
	// written content for KindWriteComplete.
	Text string

	// Rev is the disk revision observed by the background task.
	Rev fileio.Revision

	// Outcome is set for KindMergeResult.
	Outcome merge.Outcome

	// Err is set for KindFailed.
	Err error
}
