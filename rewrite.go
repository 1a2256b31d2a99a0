// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/waldeilton/compactor/internal/base"
)

// sstablesTask extends task with a list of input files consumed one at a
// time, from the back. Files still waiting count as pending work in the
// manager stats.
type sstablesTask struct {
	*task
	// sstables is guarded by cm.mu for the pending accounting.
	sstables []base.SSTable
}

// setSSTables installs the file list and charges one pending unit per file,
// on top of the task's own state-based accounting.
func (st *sstablesTask) setSSTables(ssts []base.SSTable) {
	st.cm.mu.Lock()
	defer st.cm.mu.Unlock()
	st.sstables = ssts
	st.cm.mu.stats.Pending += int64(len(ssts))
}

// consumeSSTable pops the next file; from this point on the state machine
// accounts for it like any other task.
func (st *sstablesTask) consumeSSTable() (base.SSTable, bool) {
	st.cm.mu.Lock()
	defer st.cm.mu.Unlock()
	if len(st.sstables) == 0 {
		return nil, false
	}
	sst := st.sstables[len(st.sstables)-1]
	st.sstables = st.sstables[:len(st.sstables)-1]
	st.cm.mu.stats.Pending--
	return sst, true
}

// close reverts the pending charge of any files never consumed. Must run
// before the task leaves the task list.
func (st *sstablesTask) close() {
	st.cm.mu.Lock()
	defer st.cm.mu.Unlock()
	st.cm.mu.stats.Pending -= int64(len(st.sstables))
	st.sstables = nil
}

// RewriteOptions selects what a rewrite does to each file.
type RewriteOptions struct {
	// Kind is CompactionKindCleanup, CompactionKindUpgrade or
	// CompactionKindScrub.
	Kind base.CompactionKind
	// Scrub applies when Kind is CompactionKindScrub.
	Scrub base.ScrubOptions
	// OwnedRanges is the engine-provided token-range set cleanup filters
	// against; opaque to the manager.
	OwnedRanges interface{}
}

// rewriteSSTablesTask rewrites a chosen list of sstables one at a time,
// smallest first, with per-file retry.
type rewriteSSTablesTask struct {
	*sstablesTask
	options    RewriteOptions
	compacting *compactingRegistration
	canPurge   bool
}

var _ compactionTask = (*rewriteSSTablesTask)(nil)

func (rw *rewriteSSTablesTask) base() *task { return rw.task }

func (rw *rewriteSSTablesTask) doRun() error {
	defer rw.sstablesTask.close()
	defer rw.compacting.close()

	t := rw.task
	t.switchState(taskStatePending)
	if err := t.acquireSemaphore(t.cm.maintenanceSem, 1); err != nil {
		return err
	}
	defer t.cm.maintenanceSem.Release(1)

	for {
		if ok, err := t.canProceed(false); !ok {
			return err
		}
		sst, ok := rw.consumeSSTable()
		if !ok {
			return nil
		}
		if err := rw.rewriteSSTable(sst); err != nil {
			return err
		}
	}
}

// rewriteSSTable runs one single-file descriptor, retrying on transient
// failure.
func (rw *rewriteSSTablesTask) rewriteSSTable(sst base.SSTable) error {
	t := rw.task
	for {
		desc := base.Descriptor{
			SSTables:    []base.SSTable{sst},
			Level:       sst.Level(),
			RunID:       sst.RunID(),
			Kind:        rw.options.Kind,
			Scrub:       rw.options.Scrub,
			OwnedRanges: rw.options.OwnedRanges,
		}
		releaseExhausted := func(exhausted []base.SSTable) {
			rw.compacting.release(exhausted)
		}
		t.setupNewCompaction(desc.RunID, desc.FanIn())

		bt := t.cm.newUserInitiatedBacklogTracker(userInitiatedShares)
		t.cm.RegisterBacklogTracker(bt)
		err := t.compactSSTablesAndUpdateHistory(desc, releaseExhausted, rw.canPurge)
		bt.Close()

		if err == nil {
			t.finishCompaction(taskStateDone)
			t.cm.reevaluatePostponedCompactions()
			return nil
		}
		t.finishCompaction(taskStateFailed)
		retry, rerr := t.maybeRetry(err)
		if !retry {
			return rerr
		}
	}
}

// cleanupSSTablesTask executes the strategy's cleanup jobs, smallest job
// first so earlier jobs free space for the later, larger ones.
type cleanupSSTablesTask struct {
	*task
	options    RewriteOptions
	compacting *compactingRegistration
	// jobs is sorted by descending input size and consumed from the back.
	// Guarded by cm.mu for the pending accounting.
	jobs []base.Descriptor
}

var _ compactionTask = (*cleanupSSTablesTask)(nil)

func (ct *cleanupSSTablesTask) base() *task { return ct.task }

func (ct *cleanupSSTablesTask) setJobs(jobs []base.Descriptor) {
	slices.SortStableFunc(jobs, func(a, b base.Descriptor) int {
		return cmp.Compare(b.TotalSize(), a.TotalSize())
	})
	ct.cm.mu.Lock()
	defer ct.cm.mu.Unlock()
	ct.jobs = jobs
	ct.cm.mu.stats.Pending += int64(len(jobs))
}

func (ct *cleanupSSTablesTask) close() {
	ct.cm.mu.Lock()
	defer ct.cm.mu.Unlock()
	ct.cm.mu.stats.Pending -= int64(len(ct.jobs))
	ct.jobs = nil
}

func (ct *cleanupSSTablesTask) doRun() error {
	defer ct.close()
	defer ct.compacting.close()

	t := ct.task
	t.switchState(taskStatePending)
	if err := t.acquireSemaphore(t.cm.maintenanceSem, 1); err != nil {
		return err
	}
	defer t.cm.maintenanceSem.Release(1)

	for {
		if ok, err := t.canProceed(false); !ok {
			return err
		}
		t.cm.mu.Lock()
		if len(ct.jobs) == 0 {
			t.cm.mu.Unlock()
			return nil
		}
		job := ct.jobs[len(ct.jobs)-1]
		t.cm.mu.Unlock()

		job.Kind = ct.options.Kind
		job.OwnedRanges = ct.options.OwnedRanges
		if err := ct.runCleanupJob(job); err != nil {
			return err
		}

		t.cm.mu.Lock()
		ct.jobs = ct.jobs[:len(ct.jobs)-1]
		t.cm.mu.stats.Pending--
		t.cm.mu.Unlock()
	}
}

func (ct *cleanupSSTablesTask) runCleanupJob(desc base.Descriptor) error {
	t := ct.task
	for {
		bt := t.cm.newUserInitiatedBacklogTracker(userInitiatedShares)
		t.cm.RegisterBacklogTracker(bt)
		releaseExhausted := func(exhausted []base.SSTable) {
			ct.compacting.release(exhausted)
		}
		t.setupNewCompaction(desc.RunID, desc.FanIn())
		err := t.compactSSTablesAndUpdateHistory(desc, releaseExhausted, true /* canPurge */)
		bt.Close()

		if err == nil {
			t.finishCompaction(taskStateDone)
			t.cm.reevaluatePostponedCompactions()
			return nil
		}
		t.finishCompaction(taskStateFailed)
		retry, rerr := t.maybeRetry(err)
		if !retry {
			return rerr
		}
	}
}

// validateSSTablesTask reads every file of the table, including those being
// compacted, and reports corruption without rewriting anything. Per-file
// errors are logged and counted; validation continues with the remaining
// files.
type validateSSTablesTask struct {
	*sstablesTask
}

var _ compactionTask = (*validateSSTablesTask)(nil)

func (vt *validateSSTablesTask) base() *task { return vt.task }

func (vt *validateSSTablesTask) doRun() error {
	defer vt.sstablesTask.close()
	t := vt.task
	for {
		if ok, err := t.canProceed(false); !ok {
			return err
		}
		sst, ok := vt.consumeSSTable()
		if !ok {
			return nil
		}
		if err := vt.validateSSTable(sst); err != nil {
			return err
		}
	}
}

func (vt *validateSSTablesTask) validateSSTable(sst base.SSTable) error {
	t := vt.task
	t.switchState(taskStateActive)
	desc := base.Descriptor{
		SSTables: []base.SSTable{sst},
		Level:    sst.Level(),
		RunID:    sst.RunID(),
		Kind:     base.CompactionKindScrub,
		Scrub:    base.ScrubOptions{Mode: base.ScrubModeValidate},
	}
	_, err := t.cm.compactFn(t.cdata.Context(), desc, t.cdata, t.table)
	switch {
	case err == nil, base.IsCompactionStopped(err):
		// A stop is handled by the canProceed check in the caller's loop.
		return nil
	case base.IsStorageIOError(err):
		return err
	default:
		// Potentially corrupt sstables are being validated; errors are
		// expected, just continue with the other sstables.
		t.cm.incrementErrors()
		t.cm.opts.Logger.Errorf("compaction: scrubbing in validate mode %s failed due to %v, continuing",
			sst.FileNum(), err)
		return nil
	}
}

// GetCandidatesFunc computes the file list a maintenance operation runs
// over. It is called with compaction disabled on the table, so no file can
// escape selection by racing with a concurrent regular compaction.
type GetCandidatesFunc func() ([]base.SSTable, error)

// collectRewriteCandidates stops ongoing compactions on t, then atomically
// gathers and registers the candidate files. The returned registration owns
// the files; it is handed to the task that rewrites them. The files are
// sorted by descending size, so the consume-from-the-back loops rewrite the
// smallest files first and free space for the later, larger ones.
func (m *Manager) collectRewriteCandidates(
	t base.TableState, getCandidates GetCandidatesFunc,
) ([]base.SSTable, *compactingRegistration, error) {
	var ssts []base.SSTable
	compacting := newCompactingRegistration(m)
	err := m.RunWithCompactionDisabled(t, func() error {
		// Getting the candidates and registering them as compacting must be
		// atomic, to avoid a race where regular compaction runs in between
		// and picks the same files.
		var err error
		ssts, err = getCandidates()
		if err != nil {
			return err
		}
		compacting.register(ssts)
		base.SortBySizeDescending(ssts)
		return nil
	})
	if err != nil {
		compacting.close()
		return nil, nil, err
	}
	return ssts, compacting, nil
}

// RewriteSSTables rewrites the files chosen by getCandidates, one at a
// time, under the maintenance semaphore. The candidate list is computed with
// compaction disabled for the table.
func (m *Manager) RewriteSSTables(
	t base.TableState, opts RewriteOptions, getCandidates GetCandidatesFunc, canPurge bool,
) error {
	if !m.enabled() {
		return nil
	}
	ssts, compacting, err := m.collectRewriteCandidates(t, getCandidates)
	if err != nil {
		return err
	}
	m.mu.Lock()
	task, err := m.newTaskLocked(t, opts.Kind, opts.Kind.String())
	m.mu.Unlock()
	if err != nil {
		compacting.close()
		return err
	}
	rw := &rewriteSSTablesTask{
		sstablesTask: &sstablesTask{task: task},
		options:      opts,
		compacting:   compacting,
		canPurge:     canPurge,
	}
	rw.setSSTables(ssts)
	return m.performTask(rw)
}

// PerformCleanup discards keys that are no longer relevant for the table's
// sstables, e.g. after the node loses part of its token range to a newly
// added node. needsCleanup selects the files to rewrite (nil selects all);
// ownedRanges is passed through to the compaction primitive.
func (m *Manager) PerformCleanup(
	t base.TableState, ownedRanges interface{}, needsCleanup func(base.SSTable) bool,
) error {
	if !m.enabled() {
		return nil
	}
	kind := base.CompactionKindCleanup
	m.mu.Lock()
	for _, task := range m.mu.tasks {
		if task.table == t && task.kind == kind {
			m.mu.Unlock()
			s := t.Schema()
			return errors.Newf("cleanup request failed: there is an ongoing cleanup on %s.%s",
				s.Keyspace, s.Table)
		}
	}
	m.mu.Unlock()

	getCandidates := func() ([]base.SSTable, error) {
		candidates := m.getCandidates(t)
		if needsCleanup == nil {
			return candidates, nil
		}
		filtered := candidates[:0]
		for _, sst := range candidates {
			if needsCleanup(sst) {
				filtered = append(filtered, sst)
			}
		}
		return filtered, nil
	}

	ssts, compacting, err := m.collectRewriteCandidates(t, getCandidates)
	if err != nil {
		return err
	}
	m.mu.Lock()
	task, err := m.newTaskLocked(t, kind, kind.String())
	m.mu.Unlock()
	if err != nil {
		compacting.close()
		return err
	}
	ct := &cleanupSSTablesTask{
		task:       task,
		options:    RewriteOptions{Kind: kind, OwnedRanges: ownedRanges},
		compacting: compacting,
	}
	ct.setJobs(t.CompactionStrategy().GetCleanupCompactionJobs(t, ssts))
	return m.performTask(ct)
}

// PerformSSTableUpgrade rewrites the table's sstables into the newest
// supported format. With excludeCurrentVersion, files already in the newest
// format are left alone; without it, everything is rewritten.
func (m *Manager) PerformSSTableUpgrade(t base.TableState, excludeCurrentVersion bool) error {
	getCandidates := func() ([]base.SSTable, error) {
		latest := t.Schema().HighestSupportedFormat
		var ssts []base.SSTable
		for _, sst := range m.getCandidates(t) {
			if !excludeCurrentVersion || sst.Format() < latest {
				ssts = append(ssts, sst)
			}
		}
		return ssts, nil
	}
	return m.RewriteSSTables(t, RewriteOptions{Kind: base.CompactionKindUpgrade}, getCandidates, true)
}

func getAllSSTables(t base.TableState) []base.SSTable {
	ssts := t.MainSSTables()
	return append(ssts, t.MaintenanceSSTables()...)
}

// PerformSSTableScrub validates and/or rewrites the table's potentially
// corrupt sstables in the chosen mode.
func (m *Manager) PerformSSTableScrub(t base.TableState, opts base.ScrubOptions) error {
	if opts.Mode == base.ScrubModeValidate {
		return m.performSSTableScrubValidateMode(t)
	}
	getCandidates := func() ([]base.SSTable, error) {
		var ssts []base.SSTable
		for _, sst := range getAllSSTables(t) {
			if sst.RequiresViewBuilding() {
				continue
			}
			switch opts.Quarantine {
			case base.QuarantineInclude:
			case base.QuarantineExclude:
				if sst.Quarantined() {
					continue
				}
			case base.QuarantineOnly:
				if !sst.Quarantined() {
					continue
				}
			}
			ssts = append(ssts, sst)
		}
		return ssts, nil
	}
	return m.RewriteSSTables(t, RewriteOptions{Kind: base.CompactionKindScrub, Scrub: opts},
		getCandidates, false /* canPurge */)
}

// performSSTableScrubValidateMode validates all sstables of the table, even
// the ones being compacted, so everything in the table is checked.
func (m *Manager) performSSTableScrubValidateMode(t base.TableState) error {
	m.mu.Lock()
	if m.mu.state != managerStateEnabled {
		m.mu.Unlock()
		return nil
	}
	task, err := m.newTaskLocked(t, base.CompactionKindScrub, "Scrub compaction in validate mode")
	m.mu.Unlock()
	if err != nil {
		return err
	}
	vt := &validateSSTablesTask{sstablesTask: &sstablesTask{task: task}}
	vt.setSSTables(getAllSSTables(t))
	return m.performTask(vt)
}

func (m *Manager) enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.state == managerStateEnabled
}
