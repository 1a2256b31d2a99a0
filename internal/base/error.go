// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Background compaction work distinguishes four error kinds. The kind decides
// whether a failed round is retried, rethrown, or escalates into a
// manager-wide stop. Kinds are attached with errors.Mark so they survive
// arbitrary wrapping.
var (
	// ErrCompactionStopped marks cooperative cancellation. It is swallowed by
	// the task runner unless the caller opted into observing it.
	ErrCompactionStopped = errors.New("compaction stopped")

	// ErrCompactionAborted marks a compaction whose preconditions were
	// invalidated by the external system (e.g. the table went away mid-job).
	ErrCompactionAborted = errors.New("compaction aborted")

	// ErrStorageIO marks a disk failure. Storage errors stop the whole manager
	// since no compaction can make progress anyway.
	ErrStorageIO = errors.New("storage I/O error")
)

// NewCompactionStoppedError returns the error raised at cooperative
// checkpoints once a stop was requested for the given table.
func NewCompactionStoppedError(keyspace, table, reason string) error {
	return errors.Mark(
		errors.Newf("compaction for %s.%s was stopped due to: %s",
			redact.Safe(keyspace), redact.Safe(table), reason),
		ErrCompactionStopped)
}

// MarkCompactionAborted tags err as an abort.
func MarkCompactionAborted(err error) error {
	return errors.Mark(err, ErrCompactionAborted)
}

// MarkStorageIOError tags err as a storage I/O failure.
func MarkStorageIOError(err error) error {
	return errors.Mark(err, ErrStorageIO)
}

// IsCompactionStopped reports whether err is a cooperative stop.
func IsCompactionStopped(err error) bool {
	return errors.Is(err, ErrCompactionStopped)
}

// IsCompactionAborted reports whether err is an abort.
func IsCompactionAborted(err error) bool {
	return errors.Is(err, ErrCompactionAborted)
}

// IsStorageIOError reports whether err is a storage I/O failure.
func IsStorageIOError(err error) bool {
	return errors.Is(err, ErrStorageIO)
}
