// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"math"

	"github.com/waldeilton/compactor/internal/base"
)

// Weight is a size-log bucket: jobs in distinct buckets differ enough in
// size to share the disk without diluting each other, so only same-bucket
// jobs are serialized.
const weightLogBase = 4

// Jobs smaller than the tax all land in the lowest bucket and serialize.
const weightFixedSizeTax = 1 << 20

func calculateWeightFromSize(totalSize uint64) int {
	return int(math.Log(float64(totalSize+weightFixedSizeTax)) / math.Log(weightLogBase))
}

// calculateWeight returns the weight class of a descriptor. Descriptors with
// no input, or consisting solely of fully expired sstables, are weightless:
// they free space almost for free and never need to be serialized.
func calculateWeight(d *base.Descriptor) int {
	if len(d.SSTables) == 0 || d.HasOnlyFullyExpired {
		return 0
	}
	return calculateWeightFromSize(d.TotalSize())
}

// currentCompactionFanInThresholdLocked returns the largest fan-in among
// running compactions, capped at 32 so that a major compaction on a leveled
// table (which can merge a thousand files) doesn't starve everything else
// while small sstables pile up. Requires m.mu held.
func (m *Manager) currentCompactionFanInThresholdLocked() int {
	largest := 0
	for _, t := range m.mu.tasks {
		if fanIn, ok := t.runningFanInLocked(); ok && fanIn > largest {
			largest = fanIn
		}
	}
	return min(32, largest)
}

// canRegisterCompactionLocked decides whether a regular compaction of the
// given weight and fan-in may start on table t now. Requires m.mu held.
func (m *Manager) canRegisterCompactionLocked(t base.TableState, weight, fanIn int) bool {
	// Only one compaction at a time if the strategy disallows parallelism.
	if !t.CompactionStrategy().ParallelCompaction() && m.hasTableOngoingCompactionLocked(t) {
		return false
	}
	// Weightless compaction doesn't have to be serialized, and won't dilute
	// overall efficiency.
	if weight == 0 {
		return true
	}
	if _, ok := m.mu.weights[weight]; ok {
		// An ongoing compaction occupies this weight class.
		return false
	}
	// A compaction cannot proceed until its fan-in reaches the current
	// largest fan-in, so a less efficient merge never dilutes a more
	// efficient one already running. Equal-efficiency jobs of different
	// sizes run in parallel.
	if fanIn < m.currentCompactionFanInThresholdLocked() {
		return false
	}
	return true
}

func (m *Manager) registerWeightLocked(weight int) {
	m.mu.weights[weight] = struct{}{}
}

func (m *Manager) deregisterWeight(weight int) {
	m.mu.Lock()
	delete(m.mu.weights, weight)
	m.mu.Unlock()
	m.reevaluatePostponedCompactions()
}

// weightRegistration holds a weight class for the duration of one regular
// compaction attempt. Weight 0 never occupies a class, but releasing it
// still wakes the postponement loop.
type weightRegistration struct {
	cm       *Manager
	weight   int
	released bool
}

// registerWeightLocked must only be called after canRegisterCompactionLocked
// returned true, in the same critical section.
func registerWeightLocked(cm *Manager, weight int) *weightRegistration {
	if weight != 0 {
		cm.registerWeightLocked(weight)
	}
	return &weightRegistration{cm: cm, weight: weight}
}

// deregister releases the weight class early, before the registration goes
// out of scope. Subsequent close is a no-op.
func (w *weightRegistration) deregister() {
	if w.released {
		return
	}
	w.released = true
	w.cm.deregisterWeight(w.weight)
}

// close releases the weight class unless deregister already did.
func (w *weightRegistration) close() {
	w.deregister()
}
