// Package fileio provides the disk layer for open documents: stable UTF-8
// reads, lightweight revision fingerprints, and atomic write-then-rename
// saves.
//
// A background reader may race with an external writer, so reads re-stat the
// file before and after and retry when the fingerprint moved mid-read. Writes
// go through a temporary file in the same directory followed by a rename, so
// readers never observe partial content.
package fileio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// Errors returned by the disk layer.
var (
	// ErrNotUTF8 indicates file content that is not valid UTF-8.
	ErrNotUTF8 = errors.New("file content is not valid UTF-8")

	// ErrUnstable indicates the file kept changing while being read and the
	// retry budget was exhausted.
	ErrUnstable = errors.New("file changed while reading")

	// ErrSidecarLimit indicates no free sidecar name could be found.
	ErrSidecarLimit = errors.New("too many merge sidecar files")
)

const (
	stableReadAttempts = 3
	stableReadBackoff  = 5 * time.Millisecond

	sidecarLimit = 10000
)

// Revision is an opaque fingerprint of on-disk file state, used to detect
// external changes without re-reading content. Size plus nanosecond
// modification time; cheap enough to compute on every poll.
type Revision struct {
	Size    int64
	ModTime time.Time
}

// Equal reports whether two revisions refer to the same observed file state.
func (r Revision) Equal(other Revision) bool {
	return r.Size == other.Size && r.ModTime.Equal(other.ModTime)
}

// IsZero reports whether the revision has never been populated.
func (r Revision) IsZero() bool {
	return r.Size == 0 && r.ModTime.IsZero()
}

// DiskRevision computes the fingerprint of path without reading its content.
func DiskRevision(path string) (Revision, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Revision{}, err
	}
	return Revision{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// ReadStable reads path and validates UTF-8, retrying when the file's
// fingerprint changed between the stat before and the stat after the read.
// Not-found and permission errors are returned immediately without retry.
func ReadStable(path string) (string, Revision, error) {
	var lastErr error
	for attempt := 0; attempt < stableReadAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(stableReadBackoff)
		}

		before, err := DiskRevision(path)
		if err != nil {
			return "", Revision{}, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}

		after, err := DiskRevision(path)
		if err != nil {
			lastErr = err
			continue
		}

		if !before.Equal(after) {
			lastErr = ErrUnstable
			continue
		}

		if !utf8.Valid(data) {
			return "", Revision{}, fmt.Errorf("%s: %w", path, ErrNotUTF8)
		}

		return string(data), after, nil
	}

	if lastErr == nil {
		lastErr = ErrUnstable
	}
	return "", Revision{}, fmt.Errorf("%s: %w", path, lastErr)
}

// AtomicWrite writes text to path via a temporary file in the same directory
// and a rename. The rename is the sole visible transition; on failure the
// original file is untouched. Returns the revision of the written file so the
// caller can record it as the document's disk state.
func AtomicWrite(path, text string) (Revision, error) {
	dir := filepath.Dir(path)

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return Revision{}, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		return Revision{}, err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return Revision{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Revision{}, err
	}
	if err := tmp.Close(); err != nil {
		return Revision{}, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return Revision{}, err
	}
	committed = true

	return DiskRevision(path)
}

// SidecarPath returns the first free merge sidecar path for original:
// <stem>-merge<N><ext> in the same directory, with the smallest positive N
// whose path does not already exist.
func SidecarPath(original string) (string, error) {
	dir := filepath.Dir(original)
	ext := filepath.Ext(original)
	stem := filepath.Base(original)
	stem = stem[:len(stem)-len(ext)]

	for n := 1; n <= sidecarLimit; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-merge%d%s", stem, n, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", original, ErrSidecarLimit)
}
