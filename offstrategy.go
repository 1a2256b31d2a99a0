// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"slices"

	"github.com/google/uuid"
	"github.com/waldeilton/compactor/internal/base"
)

// offstrategyCompactionTask reshapes a table's maintenance set until it
// satisfies the strategy invariant, then integrates it into the main set.
type offstrategyCompactionTask struct {
	*task
	performed bool
}

var _ compactionTask = (*offstrategyCompactionTask)(nil)

func (ot *offstrategyCompactionTask) base() *task { return ot.task }

func (ot *offstrategyCompactionTask) doRun() error {
	for {
		again, err := ot.runOnce()
		if err != nil || !again {
			return err
		}
	}
}

func (ot *offstrategyCompactionTask) runOnce() (again bool, _ error) {
	t := ot.task
	if ok, err := t.canProceed(false); !ok {
		return false, err
	}
	t.switchState(taskStatePending)
	if err := t.acquireSemaphore(t.cm.offstrategySem, 1); err != nil {
		return false, err
	}
	defer t.cm.offstrategySem.Release(1)
	if ok, err := t.canProceed(false); !ok {
		return false, err
	}
	t.setupNewCompaction(uuid.Nil, 0)

	s := t.table.Schema()
	t.cm.opts.Logger.Infof("compaction: starting off-strategy compaction for %s.%s, %d candidates were found",
		s.Keyspace, s.Table, len(t.table.MaintenanceSSTables()))

	if err := ot.runOffstrategyCompaction(); err != nil {
		t.finishCompaction(taskStateFailed)
		return t.maybeRetry(err)
	}
	t.finishCompaction(taskStateDone)
	t.cm.opts.Logger.Infof("compaction: done with off-strategy compaction for %s.%s", s.Keyspace, s.Table)
	return false, nil
}

// runOffstrategyCompaction reshapes sstables in the maintenance set until
// the set is ready for integration into the main set.
//
// It may take N reshape rounds before the set satisfies the strategy
// invariant. The sstable sets are only updated at the end, on success;
// otherwise overlap could be introduced after each round, progressively
// degrading read amplification until integration happens. The drawback is
// the 2x space requirement, as the old sstables are only deleted at the end.
// The impact is reduced by off-strategy being serialized across all tables,
// so the actual requirement is the size of the largest table's maintenance
// set.
func (ot *offstrategyCompactionTask) runOffstrategyCompaction() (err error) {
	t := ot.task
	table := t.table

	old := table.MaintenanceSSTables()
	reshapeCandidates := slices.Clone(old)
	var sstablesToRemove []base.SSTable
	newUnused := make(map[base.SSTable]struct{})

	defer func() {
		if err != nil {
			for sst := range newUnused {
				sst.MarkForDeletion()
			}
		}
	}()

	for {
		desc := table.CompactionStrategy().GetReshapingJob(reshapeCandidates, base.ReshapeModeStrict)
		if len(desc.SSTables) == 0 {
			break
		}
		desc.Creator = func() base.SSTable {
			sst := table.MakeSSTable()
			newUnused[sst] = struct{}{}
			return sst
		}
		input := make(map[base.SSTable]struct{}, len(desc.SSTables))
		for _, sst := range desc.SSTables {
			input[sst] = struct{}{}
		}

		res, cerr := t.cm.compactFn(t.cdata.Context(), desc, t.cdata, table)
		if cerr != nil {
			return cerr
		}
		ot.performed = true

		// The candidate list loses the round's input and gains its output.
		reshapeCandidates = slices.DeleteFunc(reshapeCandidates, func(sst base.SSTable) bool {
			_, ok := input[sst]
			return ok
		})
		reshapeCandidates = append(reshapeCandidates, res.NewSSTables...)

		// If the strategy cannot reshape the input in a single round, an
		// sstable created in round 1 may be compacted in a later round. Such
		// intermediates are unlinked immediately to reduce the space
		// requirement. Inputs originating in the maintenance set can only be
		// removed later: sstable sets are only updated on completion.
		for sst := range input {
			if _, ok := newUnused[sst]; ok {
				if uerr := sst.Unlink(); uerr != nil {
					return uerr
				}
				delete(newUnused, sst)
			} else {
				sstablesToRemove = append(sstablesToRemove, sst)
			}
		}
	}

	// At this moment reshapeCandidates contains a set of sstables ready for
	// integration into the main set.
	if err := table.OnCompactionCompletion(base.CompletionDesc{
		Old: old,
		New: reshapeCandidates,
	}, true /* offstrategy */); err != nil {
		return err
	}

	// By marking input sstables for deletion instead of unlinking, the ones
	// which require view building stay in the staging directory until they
	// are moved to the main dir when the time comes, and view building can
	// resume on restart if there's a crash midway.
	for _, sst := range sstablesToRemove {
		sst.MarkForDeletion()
	}
	return nil
}

// PerformOffstrategy reshapes the maintenance set of table t for
// integration into the main set. Returns true iff off-strategy compaction
// was required and performed.
func (m *Manager) PerformOffstrategy(t base.TableState) (bool, error) {
	m.mu.Lock()
	if m.mu.state != managerStateEnabled {
		m.mu.Unlock()
		return false, nil
	}
	task, err := m.newTaskLocked(t, base.CompactionKindReshape, "Offstrategy compaction")
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	ot := &offstrategyCompactionTask{task: task}
	if err := m.performTask(ot); err != nil {
		return ot.performed, err
	}
	return ot.performed, nil
}
