// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/waldeilton/compactor/internal/base"
)

// regularCompactionTask drives automatic compaction of one table. It loops,
// asking the strategy for the next descriptor and running it, until the
// strategy has nothing left, admission postpones the job, or the task is
// stopped.
type regularCompactionTask struct {
	*task
}

var _ compactionTask = (*regularCompactionTask)(nil)

func (rt *regularCompactionTask) base() *task { return rt.task }

func (rt *regularCompactionTask) doRun() error {
	for {
		again, err := rt.runOnce()
		if err != nil || !again {
			return err
		}
	}
}

// runOnce performs one round: admission, registration, compaction,
// bookkeeping. It holds the table's read lock for the whole round so major
// compaction setup is excluded.
func (rt *regularCompactionTask) runOnce() (again bool, _ error) {
	t := rt.task
	if ok, err := t.canProceed(false); !ok {
		return false, err
	}
	t.switchState(taskStatePending)
	if err := t.acquireSemaphore(t.cstate.lock, 1); err != nil {
		return false, err
	}
	defer t.cstate.lock.Release(1)
	if ok, err := t.canProceed(false); !ok {
		return false, err
	}

	table := t.table
	strategy := table.CompactionStrategy()
	desc := strategy.GetSSTablesForCompaction(table, t.cm.GetStrategyControl(), t.cm.getCandidates(table))
	weight := calculateWeight(&desc)

	if len(desc.SSTables) == 0 || table.AutoCompactionDisabled() {
		return false, nil
	}
	if ok, err := t.canProceed(false); !ok {
		return false, err
	}

	// Admission and registration must be atomic, or two jobs could be
	// admitted against the same weight class or the same input files.
	s := table.Schema()
	t.cm.mu.Lock()
	if !t.cm.canRegisterCompactionLocked(table, weight, desc.FanIn()) {
		t.switchStateLocked(taskStatePostponed)
		t.cm.postponeCompactionForTableLocked(table)
		t.cm.mu.Unlock()
		t.cm.opts.Logger.Infof("compaction: refused compaction job (%d sstable(s), %s) of weight %d for %s.%s, postponing it",
			desc.FanIn(), crhumanize.Bytes(desc.TotalSize(), crhumanize.Compact), weight, s.Keyspace, s.Table)
		return false, nil
	}
	compacting := newCompactingRegistration(t.cm)
	compacting.registerLocked(desc.SSTables)
	weightReg := registerWeightLocked(t.cm, weight)
	t.cm.mu.Unlock()
	defer compacting.close()
	defer weightReg.close()

	releaseExhausted := func(exhausted []base.SSTable) {
		compacting.release(exhausted)
	}
	shouldUpdateHistory := t.shouldUpdateHistory(desc.Kind)
	t.setupNewCompaction(desc.RunID, desc.FanIn())

	res, err := t.compactSSTables(desc, releaseExhausted, true /* canPurge */)
	if err == nil {
		t.finishCompaction(taskStateDone)
		if shouldUpdateHistory {
			// History updates can be slow; there is no need to hold the next
			// compaction of this weight class hostage until the row lands,
			// so release the weight first.
			weightReg.deregister()
			err = t.updateHistory(res)
		}
		if err == nil {
			t.cm.reevaluatePostponedCompactions()
			return true, nil
		}
	}

	t.finishCompaction(taskStateFailed)
	return t.maybeRetry(err)
}
