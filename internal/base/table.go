// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"context"

	"github.com/google/uuid"
)

// Schema carries the identity and compaction-relevant knobs of a table.
type Schema struct {
	Keyspace string
	Table    string
	// MaxCompactionThreshold bounds how many runs a single compaction may
	// merge. Also feeds the sstable-count-reduction wait threshold.
	MaxCompactionThreshold int
	// HighestSupportedFormat is the newest sstable format this node writes.
	// Upgrade rewrites everything older.
	HighestSupportedFormat TableFormat
}

// TableState is the manager's view of one table. It is implemented by the
// storage engine; the manager holds a non-owning, address-stable reference
// from Add until Remove returns.
//
// Methods that mutate sstable sets are called from task goroutines; the
// implementation is responsible for its own synchronization.
type TableState interface {
	// Schema returns the table's identity and knobs.
	Schema() Schema

	// MainSSTables returns a snapshot of the main sstable set.
	MainSSTables() []SSTable

	// MaintenanceSSTables returns a snapshot of the maintenance (off-strategy)
	// sstable set.
	MaintenanceSSTables() []SSTable

	// CompactionStrategy returns the table's current strategy.
	CompactionStrategy() Strategy

	// MakeSSTable allocates a new, empty output sstable for a compaction to
	// write into.
	MakeSSTable() SSTable

	// OnCompactionCompletion atomically replaces desc.Old with desc.New in the
	// table's sstable sets. With offstrategy set, the replacement moves the
	// surviving maintenance files into the main set in the same transaction.
	OnCompactionCompletion(desc CompletionDesc, offstrategy bool) error

	// UpdateCompactionHistory records a finished compaction round in the
	// history subsystem. May be slow; called outside the admission window.
	UpdateCompactionHistory(ctx context.Context, h CompactionHistoryEntry) error

	// AutoCompactionDisabled reports whether the user disabled automatic
	// compaction for this table.
	AutoCompactionDisabled() bool
}

// CompactionHistoryEntry is one row of the compaction history log.
type CompactionHistoryEntry struct {
	ID          uuid.UUID
	Keyspace    string
	Table       string
	CompactedAt int64 // unix milliseconds
	BytesIn     uint64
	BytesOut    uint64
}
