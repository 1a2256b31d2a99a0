// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/waldeilton/compactor/internal/base"
	"golang.org/x/sync/semaphore"
)

// taskState is the lifecycle state of one compaction task.
type taskState int8

const (
	// taskStateNone is the initial and final state.
	taskStateNone taskState = iota
	// taskStatePending: blocked on a lock or semaphore, may alternate with
	// active. Counted in Stats.Pending.
	taskStatePending
	// taskStateActive: compaction initiated. Counted in Stats.Active.
	taskStateActive
	// taskStateDone: completed successfully. Counted in Stats.Completed.
	taskStateDone
	// taskStatePostponed: deferred by admission, awaiting re-evaluation.
	taskStatePostponed
	// taskStateFailed: a round failed. Not terminal for the task; a retry
	// re-enters pending.
	taskStateFailed
)

func (s taskState) String() string {
	switch s {
	case taskStateNone:
		return "none"
	case taskStatePending:
		return "pending"
	case taskStateActive:
		return "active"
	case taskStateDone:
		return "done"
	case taskStatePostponed:
		return "postponed"
	case taskStateFailed:
		return "failed"
	}
	return "unknown"
}

// SafeValue implements redact.SafeValue.
func (s taskState) SafeValue() {}

// compactionTask is implemented by every task flavor.
type compactionTask interface {
	base() *task
	// doRun performs the flavor-specific routine. It may loop across
	// attempts; it returns once the task finished, was postponed, stopped,
	// or failed terminally.
	doRun() error
}

// task is the common core of all flavors: identity, state machine, per-round
// compaction data, and retry bookkeeping.
type task struct {
	cm     *Manager
	table  base.TableState
	cstate *compactionState
	kind   base.CompactionKind
	// description is a short human-readable label ("Compaction", "Cleanup").
	description string

	// The following fields are protected by cm.mu.
	state       taskState
	outputRunID uuid.UUID
	cdata       *base.CompactionData
	stopReason  string

	// retrySleep is only touched by the task's own goroutine.
	retrySleep time.Duration

	// doneCh closes when the task's run returns; doneErr is set before it
	// closes and carries the raw doRun error.
	doneCh  chan struct{}
	doneErr error
}

// newTaskLocked creates the task core and enters the table's gate. Requires m.mu
// held. Fails if the table is unknown or being removed.
func (m *Manager) newTaskLocked(
	t base.TableState, kind base.CompactionKind, description string,
) (*task, error) {
	cstate, ok := m.mu.tables[t]
	if !ok {
		s := t.Schema()
		return nil, errors.Newf("compaction state for table %s.%s not found", s.Keyspace, s.Table)
	}
	if err := cstate.gate.enterLocked(); err != nil {
		return nil, err
	}
	return &task{
		cm:          m,
		table:       t,
		cstate:      cstate,
		kind:        kind,
		description: description,
		cdata:       base.NewCompactionData(),
		retrySleep:  m.opts.RetryInitialBackoff,
		doneCh:      make(chan struct{}),
	}, nil
}

func (t *task) describe() string {
	s := t.table.Schema()
	return fmt.Sprintf("%s task %p for table %s.%s", t.description, t, s.Keyspace, s.Table)
}

// switchStateLocked moves the task to newState, updating the manager-wide
// counters. Requires cm.mu held. Returns the previous state.
func (t *task) switchStateLocked(newState taskState) taskState {
	oldState := t.state
	t.state = newState
	switch oldState {
	case taskStatePending:
		t.cm.mu.stats.Pending--
	case taskStateActive:
		t.cm.mu.stats.Active--
	}
	switch newState {
	case taskStatePending:
		t.cm.mu.stats.Pending++
	case taskStateActive:
		t.cm.mu.stats.Active++
	case taskStateDone:
		t.cm.mu.stats.Completed++
	}
	return oldState
}

func (t *task) switchState(newState taskState) {
	t.cm.mu.Lock()
	defer t.cm.mu.Unlock()
	t.switchStateLocked(newState)
}

// setupNewCompaction arms fresh per-round state and enters active.
// outputRunID is uuid.Nil for rounds that generate no output run.
func (t *task) setupNewCompaction(outputRunID uuid.UUID, fanIn int) {
	cdata := base.NewCompactionData()
	cdata.FanIn = fanIn

	t.cm.mu.Lock()
	t.cdata = cdata
	t.outputRunID = outputRunID
	stopReason := t.stopReason
	t.switchStateLocked(taskStateActive)
	t.cm.mu.Unlock()

	// A stop that raced with round setup must not be lost: re-arm it on the
	// fresh cancellation token.
	if stopReason != "" {
		cdata.Stop(stopReason)
	}
}

// finishCompaction concludes a round in the given state and signals whoever
// is waiting for compaction on this table to make progress.
func (t *task) finishCompaction(finishState taskState) {
	t.cm.mu.Lock()
	t.switchStateLocked(finishState)
	t.outputRunID = uuid.Nil
	if finishState != taskStateFailed {
		t.retrySleep = t.cm.opts.RetryInitialBackoff
	}
	t.cstate.done.Broadcast()
	t.cm.mu.Unlock()
}

// stop requests cooperative cancellation. The first reason sticks.
func (t *task) stop(reason string) {
	t.cm.mu.Lock()
	if t.stopReason == "" {
		t.stopReason = reason
	}
	cdata := t.cdata
	t.cm.mu.Unlock()
	cdata.Stop(reason)
}

func (t *task) stopping() bool {
	t.cm.mu.Lock()
	defer t.cm.mu.Unlock()
	return t.stopReason != ""
}

func (t *task) makeStoppedError() error {
	s := t.table.Schema()
	t.cm.mu.Lock()
	reason := t.stopReason
	t.cm.mu.Unlock()
	return base.NewCompactionStoppedError(s.Keyspace, s.Table, reason)
}

// canProceed reports whether the task isn't stopped and the manager allows
// proceeding with the table. With throwIfStopping, a requested stop is
// surfaced as an error so the caller (e.g. reshape) learns it was cancelled
// while waiting for its chance to run.
func (t *task) canProceed(throwIfStopping bool) (bool, error) {
	if t.stopping() {
		if throwIfStopping {
			return false, t.makeStoppedError()
		}
		return false, nil
	}
	return t.cm.canProceed(t.table), nil
}

// acquireSemaphore blocks until a unit is available, observing the task's
// cancellation token. A cancelled wait surfaces as a stopped error.
func (t *task) acquireSemaphore(sem *semaphore.Weighted, units int64) error {
	if err := sem.Acquire(t.cdata.Context(), units); err != nil {
		return t.makeStoppedError()
	}
	return nil
}

// maybeRetry classifies err after a failed round. It returns retry=true if
// the task should sleep (already done) and re-attempt. Stopped errors are
// swallowed; aborted and storage errors propagate, the latter stopping the
// whole manager; anything else backs off exponentially while the task may
// still proceed.
func (t *task) maybeRetry(err error) (retry bool, _ error) {
	switch {
	case base.IsCompactionStopped(err):
		t.cm.opts.Logger.Infof("compaction: %s: %v: stopping", t.describe(), err)
		return false, nil
	case base.IsCompactionAborted(err), base.IsStorageIOError(err):
		// Counted, logged and (for storage errors) escalated by the task
		// runner once the error propagates.
		return false, err
	default:
		ok, _ := t.canProceed(false)
		if !ok {
			return false, err
		}
		t.cm.incrementErrors()
		sleep := t.retrySleep
		t.retrySleep = min(2*sleep, t.cm.opts.RetryMaxBackoff)
		t.cm.opts.Logger.Errorf("compaction: %s: failed: %v. Will retry in %v", t.describe(), err, sleep)
		t.switchState(taskStatePending)
		timer := time.NewTimer(sleep)
		select {
		case <-t.cdata.Context().Done():
			timer.Stop()
			return false, t.makeStoppedError()
		case <-timer.C:
		}
		return true, nil
	}
}

// compactSSTables hands the descriptor to the external compaction primitive,
// wiring output creation and mid-job replacement back into the table and the
// manager.
func (t *task) compactSSTables(
	d base.Descriptor, releaseExhausted func(exhausted []base.SSTable), canPurge bool,
) (base.Result, error) {
	table := t.table
	d.CanPurgeTombstones = canPurge
	d.Creator = table.MakeSSTable
	d.Replacer = func(desc base.CompletionDesc) error {
		table.CompactionStrategy().NotifyCompletion(desc.Old, desc.New)
		t.cm.propagateReplacement(table, desc.Old, desc.New)
		if err := table.OnCompactionCompletion(desc, false /* offstrategy */); err != nil {
			return err
		}
		// Release exhausted inputs so their registry claim (and disk space)
		// frees before the job finishes.
		if releaseExhausted != nil {
			releaseExhausted(desc.Old)
		}
		return nil
	}
	return t.cm.compactFn(t.cdata.Context(), d, t.cdata, table)
}

// compactSSTablesAndUpdateHistory additionally records the round in the
// compaction history when the kind calls for it.
func (t *task) compactSSTablesAndUpdateHistory(
	d base.Descriptor, releaseExhausted func(exhausted []base.SSTable), canPurge bool,
) error {
	if len(d.SSTables) == 0 {
		// Nothing to compact.
		return nil
	}
	shouldUpdateHistory := t.shouldUpdateHistory(d.Kind)
	res, err := t.compactSSTables(d, releaseExhausted, canPurge)
	if err != nil {
		return err
	}
	if shouldUpdateHistory {
		return t.updateHistory(res)
	}
	return nil
}

func (t *task) shouldUpdateHistory(kind base.CompactionKind) bool {
	return kind == base.CompactionKindCompaction
}

func (t *task) updateHistory(res base.Result) error {
	s := t.table.Schema()
	return t.table.UpdateCompactionHistory(t.cdata.Context(), base.CompactionHistoryEntry{
		ID:          t.cdata.UUID,
		Keyspace:    s.Keyspace,
		Table:       s.Table,
		CompactedAt: res.EndedAt.UnixMilli(),
		BytesIn:     res.StartSize,
		BytesOut:    res.EndSize,
	})
}

// Accessors used by manager bookkeeping; all require cm.mu held.

func (t *task) compactionRunningLocked() bool {
	return t.state == taskStateActive
}

func (t *task) generatingOutputRunLocked() (uuid.UUID, bool) {
	if t.state == taskStateActive && t.outputRunID != uuid.Nil {
		return t.outputRunID, true
	}
	return uuid.Nil, false
}

func (t *task) runningFanInLocked() (int, bool) {
	if t.state != taskStateActive {
		return 0, false
	}
	return t.cdata.FanIn, true
}
