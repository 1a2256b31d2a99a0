// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package backlog estimates outstanding compaction work. Per-table trackers
// aggregate the read and write progress of in-flight sstables into a scalar
// backlog; the shard-wide manager sums trackers and feeds the controller.
package backlog

import (
	"sync"

	"github.com/waldeilton/compactor/internal/base"
	"github.com/waldeilton/compactor/internal/controller"
)

// WriteProgress reports how much of a partially written sstable exists so
// far.
type WriteProgress interface {
	BytesWritten() uint64
}

// ReadProgress reports how much of a compacting sstable was consumed so far.
type ReadProgress interface {
	BytesRead() uint64
}

// OngoingWrites maps partially written output sstables to their progress.
type OngoingWrites map[base.SSTable]WriteProgress

// OngoingCompactions maps input sstables of running compactions to their
// progress.
type OngoingCompactions map[base.SSTable]ReadProgress

// Impl computes a backlog from the tracked progress. One impl exists per
// compaction strategy flavor; impls are polymorphic over exactly this
// capability set.
type Impl interface {
	// Backlog returns the strategy's estimate of outstanding work in bytes.
	Backlog(writes OngoingWrites, compactions OngoingCompactions) float64
	// ReplaceSSTables tells the impl that old was replaced by new in the
	// table's sstable set.
	ReplaceSSTables(old, new []base.SSTable) error
}

// Tracker aggregates one table's compaction backlog. A tracker is owned by
// its user (typically the table's strategy state) and registered with the
// shard Manager; the back-link is installed at registration and cleared when
// the tracker closes or the manager shuts down.
type Tracker struct {
	mu struct {
		sync.Mutex
		impl               Impl
		ongoingWrites      OngoingWrites
		ongoingCompactions OngoingCompactions
		disabled           bool
		manager            *Manager
	}
	logger base.Logger
}

// NewTracker creates a tracker wrapping the given impl.
func NewTracker(logger base.Logger, impl Impl) *Tracker {
	t := &Tracker{logger: logger}
	t.mu.impl = impl
	t.mu.ongoingWrites = make(OngoingWrites)
	t.mu.ongoingCompactions = make(OngoingCompactions)
	return t
}

// Backlog returns the tracker's current backlog, or the disable sentinel if
// the tracker was disabled.
func (t *Tracker) Backlog() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.disabled {
		return controller.DisableBacklog
	}
	return t.mu.impl.Backlog(t.mu.ongoingWrites, t.mu.ongoingCompactions)
}

// Disabled reports whether the tracker was permanently disabled.
func (t *Tracker) Disabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.disabled
}

// Disable permanently disables the tracker. From then on it contributes the
// disable sentinel.
func (t *Tracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.disabled = true
}

func sstableBelongsToTracker(sst base.SSTable) bool {
	return sst.EligibleForCompaction()
}

// ReplaceSSTables filters old and new down to the files this tracker owns,
// reverts any charges held for them, and forwards the replacement to the
// impl. An impl failure permanently disables the tracker: a wrong backlog is
// recoverable, a crashed I/O controller is not.
func (t *Tracker) ReplaceSSTables(old, new []base.SSTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.disabled {
		return
	}
	filterAndRevert := func(ssts []base.SSTable) []base.SSTable {
		var ret []base.SSTable
		for _, sst := range ssts {
			if sstableBelongsToTracker(sst) {
				t.revertChargesLocked(sst)
				ret = append(ret, sst)
			}
		}
		return ret
	}
	if err := t.replaceLocked(filterAndRevert(old), filterAndRevert(new)); err != nil {
		t.logger.Errorf("compaction: disabling backlog tracker due to error: %v", err)
		t.mu.disabled = true
	}
}

func (t *Tracker) replaceLocked(old, new []base.SSTable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errFromPanic(r)
		}
	}()
	return t.mu.impl.ReplaceSSTables(old, new)
}

// RegisterPartiallyWrittenSSTable charges an output sstable being written by
// an ongoing compaction.
func (t *Tracker) RegisterPartiallyWrittenSSTable(sst base.SSTable, wp WriteProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.disabled {
		return
	}
	t.mu.ongoingWrites[sst] = wp
}

// RegisterCompactingSSTable charges an input sstable being read by an
// ongoing compaction.
func (t *Tracker) RegisterCompactingSSTable(sst base.SSTable, rp ReadProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.disabled {
		return
	}
	t.mu.ongoingCompactions[sst] = rp
}

// RevertCharges drops any write or read charge held for sst.
func (t *Tracker) RevertCharges(sst base.SSTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revertChargesLocked(sst)
}

func (t *Tracker) revertChargesLocked(sst base.SSTable) {
	delete(t.mu.ongoingWrites, sst)
	delete(t.mu.ongoingCompactions, sst)
}

// TransferOngoingCharges migrates the write charges (and, with moveReads,
// the read charges) to another tracker. Used when a table switches strategy
// mid-compaction.
func (t *Tracker) TransferOngoingCharges(to *Tracker, moveReads bool) {
	t.mu.Lock()
	writes := t.mu.ongoingWrites
	reads := t.mu.ongoingCompactions
	t.mu.ongoingWrites = make(OngoingWrites)
	t.mu.ongoingCompactions = make(OngoingCompactions)
	t.mu.Unlock()

	for sst, wp := range writes {
		to.RegisterPartiallyWrittenSSTable(sst, wp)
	}
	if moveReads {
		for sst, rp := range reads {
			to.RegisterCompactingSSTable(sst, rp)
		}
	}
}

// Close deregisters the tracker from its manager, if any. Must be called
// exactly once when the owning user discards the tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	m := t.mu.manager
	t.mu.manager = nil
	t.mu.Unlock()
	if m != nil {
		m.removeTracker(t)
	}
}

func (t *Tracker) setManager(m *Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.manager = m
}
