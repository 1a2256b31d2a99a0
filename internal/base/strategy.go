// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

// StrategyControl is the query surface the manager exposes to strategies so
// their picking can account for work already in flight.
type StrategyControl interface {
	// HasOngoingCompaction reports whether a compaction is currently running
	// on behalf of the table.
	HasOngoingCompaction(t TableState) bool
}

// Strategy is a compaction-strategy plug-in. It decides what to compact; the
// manager decides when and whether the pick may run. Implementations are
// expected to be cheap: every method is called with the manager's bookkeeping
// already settled and must not block.
type Strategy interface {
	// Name returns a human-readable strategy name.
	Name() string

	// ParallelCompaction reports whether the strategy tolerates more than one
	// compaction running on the same table at once.
	ParallelCompaction() bool

	// GetSSTablesForCompaction picks the next regular compaction over the
	// given candidates. An empty descriptor means nothing to do.
	GetSSTablesForCompaction(t TableState, control StrategyControl, candidates []SSTable) Descriptor

	// GetMajorCompactionJob builds the descriptor subsuming all eligible
	// candidates for a user-requested major compaction.
	GetMajorCompactionJob(t TableState, candidates []SSTable) Descriptor

	// GetReshapingJob picks one reshape round over the candidates, or returns
	// an empty descriptor once the set satisfies the strategy invariant.
	GetReshapingJob(candidates []SSTable, mode ReshapeMode) Descriptor

	// GetCleanupCompactionJobs splits cleanup candidates into per-job
	// descriptors.
	GetCleanupCompactionJobs(t TableState, candidates []SSTable) []Descriptor

	// NotifyCompletion informs the strategy that old was replaced by new, so
	// it can maintain internal bookkeeping (e.g. leveled manifests).
	NotifyCompletion(old, new []SSTable)
}
