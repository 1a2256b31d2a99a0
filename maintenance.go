// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"context"

	"github.com/google/uuid"
	"github.com/waldeilton/compactor/internal/backlog"
	"github.com/waldeilton/compactor/internal/base"
)

// staticBacklogImpl charges a fixed backlog on behalf of a user-initiated
// job, so the controller grants it bandwidth regardless of the automatic
// backlog.
type staticBacklogImpl struct {
	backlog float64
}

var _ backlog.Impl = staticBacklogImpl{}

func (i staticBacklogImpl) Backlog(backlog.OngoingWrites, backlog.OngoingCompactions) float64 {
	return i.backlog
}

func (i staticBacklogImpl) ReplaceSSTables(old, new []base.SSTable) error { return nil }

// newUserInitiatedBacklogTracker builds the tracker installed for the
// duration of major compactions and rewrites: a synthetic backlog worth the
// given share allocation, scaled by the shard's memory.
func (m *Manager) newUserInitiatedBacklogTracker(shares float64) *backlog.Tracker {
	added := m.controller.BacklogOfShares(shares) * float64(m.opts.AvailableMemory)
	return backlog.NewTracker(m.opts.Logger, staticBacklogImpl{backlog: added})
}

// userInitiatedShares is the allocation charged on behalf of major
// compactions, cleanups and rewrites.
const userInitiatedShares = 200

// majorCompactionTask subsumes all eligible sstables of a table into a
// single user-requested compaction.
type majorCompactionTask struct {
	*task
}

var _ compactionTask = (*majorCompactionTask)(nil)

func (mt *majorCompactionTask) base() *task { return mt.task }

// doRun first takes the maintenance semaphore, then exclusively takes
// the compaction lock for the table. It cannot be the other way around, or
// regular compaction for this table would be prevented while an ongoing
// major compaction doesn't release the semaphore.
func (mt *majorCompactionTask) doRun() error {
	t := mt.task
	t.switchState(taskStatePending)
	if err := t.acquireSemaphore(t.cm.maintenanceSem, 1); err != nil {
		return err
	}
	defer t.cm.maintenanceSem.Release(1)
	if err := t.acquireSemaphore(t.cstate.lock, tableLockCapacity); err != nil {
		return err
	}
	writeLockHeld := true
	defer func() {
		if writeLockHeld {
			t.cstate.lock.Release(tableLockCapacity)
		}
	}()
	if ok, err := t.canProceed(false); !ok {
		return err
	}

	// Candidates are sstables that aren't being operated on by other
	// compaction types; those are eligible for major compaction.
	table := t.table
	desc := table.CompactionStrategy().GetMajorCompactionJob(table, t.cm.getCandidates(table))
	compacting := registerCompacting(t.cm, desc.SSTables)
	defer compacting.close()
	releaseExhausted := func(exhausted []base.SSTable) {
		compacting.release(exhausted)
	}
	t.setupNewCompaction(desc.RunID, desc.FanIn())

	s := table.Schema()
	t.cm.opts.Logger.Infof("compaction: user initiated compaction started on behalf of %s.%s", s.Keyspace, s.Table)
	bt := t.cm.newUserInitiatedBacklogTracker(userInitiatedShares)
	t.cm.RegisterBacklogTracker(bt)
	defer bt.Close()

	// Now that the sstables for major compaction are registered and the
	// user-initiated backlog tracker is set up, the exclusive lock can be
	// freed to let regular compaction run in parallel to major.
	writeLockHeld = false
	t.cstate.lock.Release(tableLockCapacity)

	if err := t.compactSSTablesAndUpdateHistory(desc, releaseExhausted, true /* canPurge */); err != nil {
		return err
	}
	t.finishCompaction(taskStateDone)
	return nil
}

// PerformMajorCompaction runs a major compaction of table t and returns
// when the job terminates.
func (m *Manager) PerformMajorCompaction(t base.TableState) error {
	m.mu.Lock()
	if m.mu.state != managerStateEnabled {
		m.mu.Unlock()
		return nil
	}
	task, err := m.newTaskLocked(t, base.CompactionKindCompaction, "Major compaction")
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.performTask(&majorCompactionTask{task: task})
}

// customCompactionTask runs a caller-provided job under the maintenance
// semaphore, with full task bookkeeping.
type customCompactionTask struct {
	*task
	job func(ctx context.Context, cdata *base.CompactionData) error
}

var _ compactionTask = (*customCompactionTask)(nil)

func (ct *customCompactionTask) base() *task { return ct.task }

func (ct *customCompactionTask) doRun() error {
	t := ct.task
	if ok, err := t.canProceed(true /* throwIfStopping */); !ok {
		return err
	}
	t.switchState(taskStatePending)
	if err := t.acquireSemaphore(t.cm.maintenanceSem, 1); err != nil {
		return err
	}
	defer t.cm.maintenanceSem.Release(1)
	if ok, err := t.canProceed(true /* throwIfStopping */); !ok {
		return err
	}
	t.setupNewCompaction(uuid.Nil, 0)

	if err := ct.job(t.cdata.Context(), t.cdata); err != nil {
		return err
	}
	t.finishCompaction(taskStateDone)
	return nil
}

// RunCustomJob runs an arbitrary job for the given table under the
// maintenance semaphore. It returns when the job is done, or immediately if
// the manager is not enabled. kind is the compaction type the operation can
// most closely be associated with; use CompactionKindCompaction if none
// apply.
func (m *Manager) RunCustomJob(
	t base.TableState,
	kind base.CompactionKind,
	description string,
	job func(ctx context.Context, cdata *base.CompactionData) error,
) error {
	m.mu.Lock()
	if m.mu.state != managerStateEnabled {
		m.mu.Unlock()
		return nil
	}
	task, err := m.newTaskLocked(t, kind, description)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.performTask(&customCompactionTask{task: task, job: job})
}
