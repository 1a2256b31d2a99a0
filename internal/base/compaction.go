// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/google/uuid"
)

// CompactionKind identifies the flavor of work a task performs. The zero
// value is the regular (and major) merge compaction.
type CompactionKind int

const (
	// CompactionKindCompaction is a regular or major merge compaction.
	CompactionKindCompaction CompactionKind = iota
	// CompactionKindCleanup rewrites files to drop no-longer-owned keys.
	CompactionKindCleanup
	// CompactionKindScrub validates and/or rewrites possibly corrupt files.
	CompactionKindScrub
	// CompactionKindUpgrade rewrites files into the newest on-disk format.
	CompactionKindUpgrade
	// CompactionKindReshape repairs the maintenance set to satisfy the
	// strategy invariant (off-strategy compaction).
	CompactionKindReshape
	// CompactionKindReshard redistributes files across shards. Not stoppable
	// through StopCompaction.
	CompactionKindReshard
	// CompactionKindValidation is an internal consistency pass driven from
	// outside the manager. Not stoppable through StopCompaction.
	CompactionKindValidation
	// CompactionKindIndexBuild is an index population pass driven from outside
	// the manager. Not stoppable through StopCompaction.
	CompactionKindIndexBuild
)

// String implements fmt.Stringer. The names double as the user-facing kind
// names accepted by StopCompaction.
func (k CompactionKind) String() string {
	switch k {
	case CompactionKindCompaction:
		return "Compaction"
	case CompactionKindCleanup:
		return "Cleanup"
	case CompactionKindScrub:
		return "Scrub"
	case CompactionKindUpgrade:
		return "Upgrade"
	case CompactionKindReshape:
		return "Reshape"
	case CompactionKindReshard:
		return "Reshard"
	case CompactionKindValidation:
		return "Validation"
	case CompactionKindIndexBuild:
		return "Index_build"
	}
	return "Unknown"
}

// SafeValue implements redact.SafeValue.
func (k CompactionKind) SafeValue() {}

// ParseCompactionKind maps a user-facing kind name back to the kind.
func ParseCompactionKind(s string) (CompactionKind, error) {
	for k := CompactionKindCompaction; k <= CompactionKindIndexBuild; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown compaction type: %s", s)
}

// ScrubMode selects what a scrub does about corruption.
type ScrubMode int

const (
	// ScrubModeAbort stops rewriting a file at the first corrupt entry.
	ScrubModeAbort ScrubMode = iota
	// ScrubModeSkip rewrites files, dropping corrupt entries.
	ScrubModeSkip
	// ScrubModeSegregate rewrites files, segregating corrupt entries into
	// quarantined output.
	ScrubModeSegregate
	// ScrubModeValidate reads all files and reports corruption without
	// rewriting anything.
	ScrubModeValidate
)

// QuarantineMode selects which files a scrub rewrite considers.
type QuarantineMode int

const (
	// QuarantineInclude scrubs quarantined and non-quarantined files alike.
	QuarantineInclude QuarantineMode = iota
	// QuarantineExclude skips quarantined files.
	QuarantineExclude
	// QuarantineOnly scrubs only quarantined files.
	QuarantineOnly
)

// ScrubOptions configures PerformSSTableScrub.
type ScrubOptions struct {
	Mode       ScrubMode
	Quarantine QuarantineMode
}

// ReshapeMode tells the strategy how strictly a reshaping job must restore
// the strategy invariant.
type ReshapeMode int

const (
	// ReshapeModeStrict requires full invariant restoration.
	ReshapeModeStrict ReshapeMode = iota
	// ReshapeModeRelaxed tolerates residual overlap.
	ReshapeModeRelaxed
)

// Descriptor describes one unit of compaction work: the input files plus
// everything the external compaction primitive needs to run them.
type Descriptor struct {
	// SSTables are the input files. Empty descriptors are no-ops.
	SSTables []SSTable
	// Level is the target output level.
	Level int
	// RunID identifies the output run being produced. Single-file rewrite and
	// validate descriptors carry the input file's run identifier.
	RunID uuid.UUID
	// MaxOutputBytes bounds the size of individual output files; 0 means the
	// engine default.
	MaxOutputBytes uint64
	// HasOnlyFullyExpired is set by the strategy when every input consists
	// solely of expired data. Such jobs are weightless: they free space
	// without consuming meaningful bandwidth.
	HasOnlyFullyExpired bool
	// Kind of work. Regular/major merges use CompactionKindCompaction.
	Kind CompactionKind
	// Scrub holds scrub parameters when Kind is CompactionKindScrub.
	Scrub ScrubOptions
	// OwnedRanges, for cleanup, is an opaque engine-provided token-range set
	// the rewrite filters against.
	OwnedRanges interface{}
	// CanPurgeTombstones allows the merge to garbage-collect tombstones
	// against the main set.
	CanPurgeTombstones bool

	// Creator allocates output sstables. Installed by the task before the
	// descriptor is handed to the compaction primitive.
	Creator func() SSTable
	// Replacer is invoked by the compaction primitive whenever it seals a
	// batch of outputs and retires the corresponding inputs mid-job.
	Replacer func(desc CompletionDesc) error
}

// TotalSize returns the cumulative data size of the input files.
func (d *Descriptor) TotalSize() uint64 {
	var total uint64
	for _, sst := range d.SSTables {
		total += sst.DataSize()
	}
	return total
}

// FanIn returns the number of input files.
func (d *Descriptor) FanIn() int { return len(d.SSTables) }

// CompletionDesc describes a (possibly partial) replacement of inputs by
// outputs within a table's sstable sets.
type CompletionDesc struct {
	Old []SSTable
	New []SSTable
}

// Result is what the compaction primitive reports for a finished round.
type Result struct {
	NewSSTables []SSTable
	EndedAt     time.Time
	StartSize   uint64
	EndSize     uint64
}

// CompactFunc is the external primitive that actually merges sstables. It
// must observe ctx for cooperative cancellation at its own pace and call
// d.Creator/d.Replacer as it produces output.
type CompactFunc func(ctx context.Context, d Descriptor, cd *CompactionData, t TableState) (Result, error)

// PendingReplacement records an sstable-set update that happened while a
// compaction was running, so the job can fold it in at its next opportunity.
type PendingReplacement struct {
	Removed []SSTable
	Added   []SSTable
}

// CompactionData is the per-round shared state between the manager, the task
// and the compaction primitive: identity, cancellation, and progress.
type CompactionData struct {
	// UUID identifies this compaction round.
	UUID uuid.UUID
	// FanIn is the number of input files of the running descriptor.
	FanIn int

	// TotalPartitions and TotalKeysWritten are progress counters maintained
	// by the compaction primitive.
	TotalPartitions  atomic.Int64
	TotalKeysWritten atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu struct {
		sync.Mutex
		stopRequested       string
		pendingReplacements []PendingReplacement
	}
}

// NewCompactionData returns fresh per-round state with a new UUID and an
// armed cancellation context.
func NewCompactionData() *CompactionData {
	cd := &CompactionData{UUID: uuid.New()}
	cd.ctx, cd.cancel = context.WithCancelCause(context.Background())
	return cd
}

// Context returns the round's cancellation context. Every suspension point of
// a task observes it.
func (cd *CompactionData) Context() context.Context { return cd.ctx }

// Stop requests cooperative cancellation with the given reason. The first
// reason wins; later calls are no-ops.
func (cd *CompactionData) Stop(reason string) {
	cd.mu.Lock()
	if cd.mu.stopRequested == "" {
		cd.mu.stopRequested = reason
	}
	cd.mu.Unlock()
	cd.cancel(errors.Mark(errors.Newf("stop requested: %s", redact.Safe(reason)), ErrCompactionStopped))
}

// Stopping reports whether a stop was requested.
func (cd *CompactionData) Stopping() bool {
	return cd.ctx.Err() != nil
}

// StopRequested returns the reason of the first stop request, if any.
func (cd *CompactionData) StopRequested() string {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.mu.stopRequested
}

// PushPendingReplacement records a set update for the running job.
func (cd *CompactionData) PushPendingReplacement(r PendingReplacement) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.mu.pendingReplacements = append(cd.mu.pendingReplacements, r)
}

// TakePendingReplacements returns and clears the recorded set updates.
func (cd *CompactionData) TakePendingReplacements() []PendingReplacement {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	prs := cd.mu.pendingReplacements
	cd.mu.pendingReplacements = nil
	return prs
}

// CompactionInfo is a point-in-time description of one running compaction,
// as returned by GetCompactions.
type CompactionInfo struct {
	UUID             uuid.UUID
	Kind             CompactionKind
	Keyspace         string
	Table            string
	TotalPartitions  int64
	TotalKeysWritten int64
}
