// Package layout provides the incremental wrap-row layout cache.
//
// Derived layout is keyed by (edit sequence, geometry fingerprint). A request
// with an unchanged key returns the identical cached layout; a narrow edit
// with a known affected line range recomputes only that region and splices it
// into the previous layout; a geometry change or an unbounded edit forces a
// full recomputation. A layout is only ever returned for the exact edit
// sequence it was computed from.
package layout

import (
	"encoding/binary"
	"hash/fnv"
)

// WrapMode controls how lines wider than the viewport are handled.
type WrapMode int

const (
	// WrapNone keeps each buffer line on a single visual row.
	WrapNone WrapMode = iota

	// WrapSoft wraps at the viewport width, preferring space boundaries and
	// never splitting a grapheme cluster.
	WrapSoft
)

// Geometry describes the viewport properties layout depends on.
type Geometry struct {
	// Width is the viewport width in visual columns.
	Width int

	// TabWidth is the tab stop distance in columns.
	TabWidth int

	// Wrap selects the wrapping behavior.
	Wrap WrapMode
}

// Fingerprint returns a stable hash of the geometry, used as half of the
// cache key.
func (g Geometry) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(g.Width)))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(g.TabWidth)))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(g.Wrap)))
	h.Write(buf[:])
	return h.Sum64()
}
