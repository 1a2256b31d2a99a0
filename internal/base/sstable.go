// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// FileNum is an identifier for an sstable within a shard.
type FileNum uint64

// String returns a string representation of the file number.
func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeValue implements redact.SafeValue.
func (fn FileNum) SafeValue() {}

// TableFormat identifies the on-disk format version of an sstable. Higher
// values are newer formats.
type TableFormat int

// SSTable is the manager's handle on one immutable on-disk table. The handle
// is address-stable for the lifetime of the file: the registry and the
// backlog trackers key on it.
//
// All methods must be safe for concurrent use.
type SSTable interface {
	// FileNum returns the file's identifier.
	FileNum() FileNum

	// DataSize returns the uncompressed size of the file's data.
	DataSize() uint64

	// Level returns the LSM level the file currently belongs to.
	Level() int

	// RunID returns the identifier of the run this file belongs to, i.e. the
	// output run of the compaction (or flush) that produced it.
	RunID() uuid.UUID

	// Format returns the file's on-disk format version.
	Format() TableFormat

	// EligibleForCompaction reports whether the engine allows this file to be
	// picked as a compaction input. Files mid-stream or mid-repair are not.
	EligibleForCompaction() bool

	// Quarantined reports whether a previous scrub quarantined the file.
	Quarantined() bool

	// RequiresViewBuilding reports whether the file still awaits derived-view
	// population and must not be rewritten yet.
	RequiresViewBuilding() bool

	// Unlink removes the file immediately.
	Unlink() error

	// MarkForDeletion schedules the file for removal once all references are
	// gone.
	MarkForDeletion()
}

// SortBySizeDescending orders sstables largest-first, in place. Rewrite-style
// jobs consume from the back of the slice, so the smallest files are rewritten
// first and free space for the later, larger ones.
func SortBySizeDescending(ssts []SSTable) {
	slices.SortStableFunc(ssts, func(a, b SSTable) int {
		return cmp.Compare(b.DataSize(), a.DataSize())
	})
}
