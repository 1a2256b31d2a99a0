// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/google/uuid"
	"github.com/waldeilton/compactor/internal/backlog"
	"github.com/waldeilton/compactor/internal/base"
	"github.com/waldeilton/compactor/internal/controller"
	"golang.org/x/sync/semaphore"
)

// managerState tracks where the manager is in its lifecycle.
//
// none: started, but not yet enabled. Once the manager moves out of "none",
// it can never legally move back.
// stopped: Stop was called. The manager will never be enabled or disabled
// again and can no longer be used (stats and metrics stay readable).
// enabled: accepting compactions.
// disabled: not accepting compactions.
//
// Moving between enabled and disabled is legal, as many times as necessary.
type managerState int8

const (
	managerStateNone managerState = iota
	managerStateStopped
	managerStateDisabled
	managerStateEnabled
)

func (s managerState) String() string {
	switch s {
	case managerStateNone:
		return "none"
	case managerStateStopped:
		return "stopped"
	case managerStateDisabled:
		return "disabled"
	case managerStateEnabled:
		return "enabled"
	}
	return "unknown"
}

// Stats is a snapshot of the manager-wide task counters.
type Stats struct {
	Pending   int64
	Active    int64
	Completed int64
	Errors    int64
}

// tableLockCapacity sizes the per-table rwlock semaphore: readers take one
// unit, the writer takes all of them.
const tableLockCapacity = 1 << 30

// gate tracks outstanding work on behalf of one table. All methods require
// the manager mutex.
type gate struct {
	count  int
	closed bool
	empty  *sync.Cond
}

var errGateClosed = errors.New("gate closed")

func (g *gate) enterLocked() error {
	if g.closed {
		return errGateClosed
	}
	g.count++
	return nil
}

func (g *gate) leaveLocked() {
	g.count--
	if g.closed && g.count == 0 {
		g.empty.Broadcast()
	}
}

// closeLocked marks the gate closed and waits for outstanding holders.
func (g *gate) closeLocked() {
	g.closed = true
	for g.count > 0 {
		g.empty.Wait()
	}
}

// compactionState is the per-table compaction bookkeeping.
type compactionState struct {
	// lock orders regular against major compaction on the table: regular
	// holds read units, major setup holds the whole lock.
	lock *semaphore.Weighted
	// gate is held by every task and by functions running with compaction
	// disabled; Remove closes it.
	gate gate
	// disabledCounter counts active disable scopes. Guarded by the manager
	// mutex.
	disabledCounter int
	// done is signaled whenever a compaction task on this table completes.
	done *sync.Cond
}

func (cs *compactionState) compactionDisabledLocked() bool {
	return cs.disabledCounter > 0
}

// Manager schedules, admits, supervises and throttles the background
// compaction jobs of one shard. All exported methods are safe for concurrent
// use.
//
// TableState references handed to Add must be address-stable; the manager
// keys its bookkeeping on them. TableState and Strategy callbacks may be
// invoked while the manager's internal mutex is held and must not call back
// into the Manager.
type Manager struct {
	opts      Options
	compactFn base.CompactFunc

	// maintenanceSem serializes all maintenance (non-regular) compaction
	// activity to bound aggressiveness and space requirement. Operations
	// that must additionally be serialized with regular compaction take the
	// per-table write lock.
	maintenanceSem *semaphore.Weighted
	// offstrategySem serializes off-strategy compaction across all tables on
	// this shard, bounding the space requirement to the largest table's
	// maintenance set.
	offstrategySem *semaphore.Weighted

	backlogManager *backlog.Manager
	controller     *controller.Controller
	ioGroup        *controller.IOGroup

	metrics *managerMetrics

	mu struct {
		sync.Mutex
		state managerState
		// tasks is the list of live tasks; a task is removed exactly once
		// when its run returns.
		tasks []*task
		stats Stats
		// compacting is the shard-wide set of sstables owned by some task.
		compacting swiss.Map[base.FileNum, base.SSTable]
		// weights tracks the weight classes of ongoing compactions; only one
		// compaction per non-zero class is allowed.
		weights map[int]struct{}
		// postponed holds tables whose compaction was rejected by admission,
		// awaiting re-evaluation.
		postponed map[base.TableState]struct{}
		tables    map[base.TableState]*compactionState

		lastBacklog   float64
		reevalRunning bool
		reevalDoneCh  chan struct{}
		tickerRunning bool
	}

	// postponedSignalCh wakes the re-evaluation goroutine; sends never block.
	postponedSignalCh chan struct{}

	tickerStopCh chan struct{}
	tickerDoneCh chan struct{}

	stopDoneCh chan struct{}
	stopErr    error
}

// NewManager creates a manager. The manager starts in the "none" state and
// accepts no work until Enable is called.
func NewManager(opts Options) (*Manager, error) {
	opts.EnsureDefaults()
	if opts.CompactSSTables == nil {
		return nil, errors.New("compactor: Options.CompactSSTables is required")
	}
	m := &Manager{
		opts:              opts,
		compactFn:         opts.CompactSSTables,
		maintenanceSem:    semaphore.NewWeighted(1),
		offstrategySem:    semaphore.NewWeighted(1),
		ioGroup:           controller.NewIOGroup(),
		postponedSignalCh: make(chan struct{}, 1),
		tickerStopCh:      make(chan struct{}),
		tickerDoneCh:      make(chan struct{}),
		stopDoneCh:        make(chan struct{}),
	}
	m.mu.compacting.Init(16)
	m.mu.weights = make(map[int]struct{})
	m.mu.postponed = make(map[base.TableState]struct{})
	m.mu.tables = make(map[base.TableState]*compactionState)

	m.backlogManager = backlog.NewManager(func() float64 {
		return m.controller.BacklogOfShares(1000)
	})
	m.controller = controller.New(
		opts.Logger, opts.StaticShares, opts.ControllerUpdateInterval,
		m.normalizedBacklog, nil /* updateShares */)

	if opts.ThroughputMBPerSec > 0 {
		m.UpdateThroughput(opts.ThroughputMBPerSec)
	}
	m.metrics = newManagerMetrics(m)
	if opts.MetricsRegisterer != nil {
		if err := m.metrics.register(opts.MetricsRegisterer); err != nil {
			m.controller.Shutdown()
			return nil, err
		}
	}
	return m, nil
}

// Enable moves the manager to the enabled state: the periodic submission
// ticker is armed and the postponement re-evaluation loop runs.
func (m *Manager) Enable() {
	m.mu.Lock()
	if m.mu.state != managerStateNone && m.mu.state != managerStateDisabled {
		s := m.mu.state
		m.mu.Unlock()
		m.opts.Logger.Fatalf("compaction: enable from state %s", s)
		return
	}
	m.mu.state = managerStateEnabled
	var reevalDoneCh chan struct{}
	if !m.mu.reevalRunning {
		m.mu.reevalRunning = true
		reevalDoneCh = make(chan struct{})
		m.mu.reevalDoneCh = reevalDoneCh
	}
	startTicker := !m.mu.tickerRunning
	m.mu.tickerRunning = true
	m.mu.Unlock()

	if reevalDoneCh != nil {
		go m.postponedCompactionsReevaluation(reevalDoneCh)
	}
	if startTicker {
		go m.periodicSubmission()
	}
}

// periodicSubmission resubmits all registered tables at a constant interval.
// Submission is a no-op when there's nothing to do, so it's fine to call it
// regularly.
func (m *Manager) periodicSubmission() {
	defer close(m.tickerDoneCh)
	ticker := time.NewTicker(m.opts.PeriodicSubmissionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			tables := make([]base.TableState, 0, len(m.mu.tables))
			for t := range m.mu.tables {
				tables = append(tables, t)
			}
			m.mu.Unlock()
			for _, t := range tables {
				m.Submit(t)
			}
		case <-m.tickerStopCh:
			return
		}
	}
}

// postponedCompactionsReevaluation resubmits postponed tables every time it
// is signaled. It drains the postponed set and exits once the manager is no
// longer enabled; Enable starts a fresh run.
func (m *Manager) postponedCompactionsReevaluation(doneCh chan struct{}) {
	defer close(doneCh)
	for range m.postponedSignalCh {
		m.mu.Lock()
		if m.mu.state != managerStateEnabled {
			m.mu.postponed = make(map[base.TableState]struct{})
			m.mu.reevalRunning = false
			m.mu.Unlock()
			return
		}
		postponed := m.mu.postponed
		m.mu.postponed = make(map[base.TableState]struct{})
		m.mu.Unlock()

		m.resubmitPostponed(postponed)
	}
}

// resubmitPostponed submits every postponed table, restoring the unprocessed
// remainder if a submission panics.
func (m *Manager) resubmitPostponed(postponed map[base.TableState]struct{}) {
	done := make(map[base.TableState]struct{}, len(postponed))
	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			for t := range postponed {
				if _, ok := done[t]; !ok {
					m.mu.postponed[t] = struct{}{}
				}
			}
			m.mu.Unlock()
			panic(r)
		}
	}()
	for t := range postponed {
		m.Submit(t)
		done[t] = struct{}{}
	}
}

// reevaluatePostponedCompactions wakes the re-evaluation loop.
func (m *Manager) reevaluatePostponedCompactions() {
	select {
	case m.postponedSignalCh <- struct{}{}:
	default:
	}
}

func (m *Manager) postponeCompactionForTableLocked(t base.TableState) {
	m.mu.postponed[t] = struct{}{}
}

// Add registers a table with the manager, creating the bookkeeping used by
// compaction jobs of all types.
func (m *Manager) Add(t base.TableState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.tables[t]; ok {
		s := t.Schema()
		return errors.AssertionFailedf("compaction state for table %s.%s already exists", s.Keyspace, s.Table)
	}
	cs := &compactionState{
		lock: semaphore.NewWeighted(tableLockCapacity),
		done: sync.NewCond(&m.mu.Mutex),
	}
	cs.gate.empty = sync.NewCond(&m.mu.Mutex)
	m.mu.tables[t] = cs
	return nil
}

// Remove cancels any requests on the table, waits for ongoing compactions,
// and unregisters it.
func (m *Manager) Remove(t base.TableState) error {
	m.mu.Lock()
	cs, ok := m.mu.tables[t]
	delete(m.mu.tables, t)
	// A task being stopped must not retry compaction of a table being
	// removed.
	delete(m.mu.postponed, t)
	m.mu.Unlock()

	if ok {
		if err := m.StopOngoingCompactions("table removal", t, nil); err != nil {
			return err
		}
		m.mu.Lock()
		cs.gate.closeLocked()
		cs.done.Broadcast()
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.mu.tasks {
		if task.table == t {
			return errors.AssertionFailedf("found %s after remove", task.describe())
		}
	}
	return nil
}

// canProceed reports whether the manager is enabled, the table still exists,
// and compaction is not disabled for the table.
func (m *Manager) canProceed(t base.TableState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canProceedLocked(t)
}

func (m *Manager) canProceedLocked(t base.TableState) bool {
	if m.mu.state != managerStateEnabled {
		return false
	}
	cs, ok := m.mu.tables[t]
	return ok && !cs.compactionDisabledLocked()
}

func (m *Manager) canPerformRegularCompactionLocked(t base.TableState) bool {
	return m.canProceedLocked(t) && !t.AutoCompactionDisabled()
}

// performTask runs ct to completion: it publishes the task in the task list,
// runs the flavor routine in its own goroutine, removes the task from the
// list exactly once when the run returns, and classifies the outcome.
func (m *Manager) performTask(ct compactionTask) error {
	t := ct.base()
	m.mu.Lock()
	m.mu.tasks = append(m.mu.tasks, t)
	m.mu.Unlock()

	go func() {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Newf("compaction task panic: %v", r)
				}
			}()
			return ct.doRun()
		}()
		m.mu.Lock()
		t.switchStateLocked(taskStateNone)
		for i, other := range m.mu.tasks {
			if other == t {
				m.mu.tasks = append(m.mu.tasks[:i], m.mu.tasks[i+1:]...)
				break
			}
		}
		t.cstate.gate.leaveLocked()
		t.cstate.done.Broadcast()
		t.doneErr = err
		m.mu.Unlock()
		close(t.doneCh)
	}()

	return m.waitForTask(t)
}

// waitForTask awaits the task's run and applies the manager-wide error
// policy: stopped is swallowed, aborted and storage errors count and
// propagate, storage errors additionally stop the manager.
func (m *Manager) waitForTask(t *task) error {
	<-t.doneCh
	err := t.doneErr
	switch {
	case err == nil:
		return nil
	case base.IsCompactionStopped(err):
		m.opts.Logger.Infof("compaction: %s: stopped, reason: %v", t.describe(), err)
		return nil
	case base.IsCompactionAborted(err):
		m.opts.Logger.Errorf("compaction: %s: aborted, reason: %v", t.describe(), err)
		m.incrementErrors()
		return err
	case base.IsStorageIOError(err):
		m.opts.Logger.Errorf("compaction: %s: failed due to storage I/O error: %v: stopping", t.describe(), err)
		m.incrementErrors()
		m.doStop()
		return err
	default:
		m.opts.Logger.Errorf("compaction: %s: failed, reason: %v", t.describe(), err)
		m.incrementErrors()
		return err
	}
}

func (m *Manager) incrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.stats.Errors++
}

// Submit enqueues a regular compaction of table t, best effort: a no-op
// unless the manager is enabled and the user hasn't disabled automatic
// compaction for the table.
func (m *Manager) Submit(t base.TableState) {
	if t.AutoCompactionDisabled() {
		return
	}
	m.mu.Lock()
	if m.mu.state != managerStateEnabled {
		m.mu.Unlock()
		return
	}
	task, err := m.newTaskLocked(t, base.CompactionKindCompaction, "Compaction")
	m.mu.Unlock()
	if err != nil {
		return
	}
	// The result is dropped: failures are logged and counted by
	// waitForTask, and completion is observed via StopOngoingCompactions.
	go func() {
		_ = m.performTask(&regularCompactionTask{task: task})
	}()
}

// Stats returns a snapshot of the task counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.stats
}

// Backlog returns the shard-wide compaction backlog.
func (m *Manager) Backlog() float64 {
	return m.backlogManager.Backlog()
}

// RegisterBacklogTracker registers a per-table backlog tracker with the
// shard's backlog manager.
func (m *Manager) RegisterBacklogTracker(t *backlog.Tracker) {
	m.backlogManager.RegisterTracker(t)
}

// normalizedBacklog feeds the controller: the summed backlog divided by the
// shard's available memory.
func (m *Manager) normalizedBacklog() float64 {
	b := m.backlogManager.Backlog()
	m.mu.Lock()
	m.mu.lastBacklog = b
	m.mu.Unlock()
	return b / float64(m.opts.AvailableMemory)
}

// UpdateThroughput caps the compaction I/O group at the given bandwidth;
// 0 means unlimited.
func (m *Manager) UpdateThroughput(mbPerSec uint32) {
	bps := uint64(mbPerSec) << 20
	m.ioGroup.UpdateBandwidth(bps)
	if mbPerSec != 0 {
		m.opts.Logger.Infof("compaction: set compaction bandwidth to %dMB/s", mbPerSec)
	} else {
		m.opts.Logger.Infof("compaction: set unlimited compaction bandwidth")
	}
}

// UpdateStaticShares pins (or, with 0, un-pins) the controller's share
// allocation.
func (m *Manager) UpdateStaticShares(shares float64) {
	m.controller.UpdateStaticShares(shares)
}

// IOGroup returns the I/O group compactions draw bandwidth from.
func (m *Manager) IOGroup() *controller.IOGroup {
	return m.ioGroup
}

// GetCompactions returns a snapshot of the currently running compactions,
// optionally filtered to one table.
func (m *Manager) GetCompactions(t base.TableState) []base.CompactionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []base.CompactionInfo
	for _, task := range m.mu.tasks {
		if (t == nil || task.table == t) && task.compactionRunningLocked() {
			s := task.table.Schema()
			infos = append(infos, base.CompactionInfo{
				UUID:             task.cdata.UUID,
				Kind:             task.kind,
				Keyspace:         s.Keyspace,
				Table:            s.Table,
				TotalPartitions:  task.cdata.TotalPartitions.Load(),
				TotalKeysWritten: task.cdata.TotalKeysWritten.Load(),
			})
		}
	}
	return infos
}

// HasTableOngoingCompaction reports whether a compaction is running on
// behalf of the table.
func (m *Manager) HasTableOngoingCompaction(t base.TableState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasTableOngoingCompactionLocked(t)
}

func (m *Manager) hasTableOngoingCompactionLocked(t base.TableState) bool {
	for _, task := range m.mu.tasks {
		if task.table == t && task.compactionRunningLocked() {
			return true
		}
	}
	return false
}

func (m *Manager) hasOngoingCompactionBySchemaLocked(sc base.Schema) bool {
	for _, task := range m.mu.tasks {
		if !task.compactionRunningLocked() {
			continue
		}
		ts := task.table.Schema()
		if ts.Keyspace == sc.Keyspace && ts.Table == sc.Table {
			return true
		}
	}
	return false
}

// CompactionDisabled reports whether a disable scope is active on the table.
func (m *Manager) CompactionDisabled(t base.TableState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.mu.tables[t]
	return ok && cs.compactionDisabledLocked()
}

// propagateReplacement forwards an sstable-set replacement to every running
// compaction of the table, so in-flight jobs can fold it in.
func (m *Manager) propagateReplacement(t base.TableState, removed, added []base.SSTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.mu.tasks {
		if task.table == t && task.compactionRunningLocked() {
			task.cdata.PushPendingReplacement(base.PendingReplacement{Removed: removed, Added: added})
		}
	}
}

// strategyControl is the query interface handed to strategies. Matching is
// by schema identity rather than handle so a re-added table is still
// observed.
type strategyControl struct {
	cm     *Manager
	locked bool
}

var _ base.StrategyControl = strategyControl{}

// HasOngoingCompaction implements base.StrategyControl.
func (s strategyControl) HasOngoingCompaction(t base.TableState) bool {
	if s.locked {
		return s.cm.hasOngoingCompactionBySchemaLocked(t.Schema())
	}
	s.cm.mu.Lock()
	defer s.cm.mu.Unlock()
	return s.cm.hasOngoingCompactionBySchemaLocked(t.Schema())
}

// GetStrategyControl returns the query interface strategies use to account
// for work in flight.
func (m *Manager) GetStrategyControl() base.StrategyControl {
	return strategyControl{cm: m}
}

// stopTasks stops all given tasks before the first wait, so newly postponed
// tasks cannot escape, then awaits each task's completion, swallowing
// stopped errors.
func (m *Manager) stopTasks(tasks []*task, reason string) error {
	for _, t := range tasks {
		t.stop(reason)
	}
	var combined error
	for _, t := range tasks {
		<-t.doneCh
		if err := t.doneErr; err != nil && !base.IsCompactionStopped(err) {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

// StopOngoingCompactions stops ongoing compactions matching the given table
// (nil for all) and kind (nil for all) and waits for them to terminate.
func (m *Manager) StopOngoingCompactions(reason string, t base.TableState, kind *base.CompactionKind) error {
	m.mu.Lock()
	var tasks []*task
	ongoing := 0
	for _, task := range m.mu.tasks {
		if task.compactionRunningLocked() {
			ongoing++
		}
		if (t == nil || task.table == t) && (kind == nil || task.kind == *kind) {
			tasks = append(tasks, task)
		}
	}
	m.mu.Unlock()

	if len(tasks) > 0 {
		scope := ""
		if t != nil {
			s := t.Schema()
			scope = fmt.Sprintf(" for table %s.%s", s.Keyspace, s.Table)
		}
		if kind != nil {
			scope += fmt.Sprintf(" type=%s", *kind)
		}
		m.opts.Logger.Infof("compaction: stopping %d tasks for %d ongoing compactions%s due to %s",
			len(tasks), ongoing, scope, reason)
	}
	return m.stopTasks(tasks, reason)
}

// StopCompaction stops ongoing compactions of the named kind, optionally
// restricted to one table. Resharding cannot be stopped; validation and
// index builds are not under the manager's control.
func (m *Manager) StopCompaction(kindName string, t base.TableState) error {
	kind, err := base.ParseCompactionKind(kindName)
	if err != nil {
		return errors.Wrapf(err, "compaction of type %s cannot be stopped by compaction manager", kindName)
	}
	switch kind {
	case base.CompactionKindValidation, base.CompactionKindIndexBuild:
		return errors.Newf("compaction type %s is unsupported", kindName)
	case base.CompactionKindReshard:
		return errors.Newf("stopping compaction of type %s is disallowed", kindName)
	}
	return m.StopOngoingCompactions("user request", t, &kind)
}

// compactionReenabler is the scope that keeps compaction disabled on a
// table. close re-enables and, when it was the last scope and the gate is
// still open, resubmits regular compaction.
type compactionReenabler struct {
	cm     *Manager
	table  base.TableState
	cstate *compactionState
	closed bool
}

// stopAndDisableCompaction disables compaction for t and stops whatever is
// ongoing. The caller must close the returned reenabler.
func (m *Manager) stopAndDisableCompaction(t base.TableState) (*compactionReenabler, error) {
	m.mu.Lock()
	cs, ok := m.mu.tables[t]
	if !ok {
		m.mu.Unlock()
		s := t.Schema()
		return nil, errors.Newf("compaction state for table %s.%s not found", s.Keyspace, s.Table)
	}
	if err := cs.gate.enterLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cs.disabledCounter++
	m.mu.Unlock()

	cre := &compactionReenabler{cm: m, table: t, cstate: cs}
	if err := m.StopOngoingCompactions("user-triggered operation", t, nil); err != nil {
		cre.close()
		return nil, err
	}
	return cre, nil
}

func (cre *compactionReenabler) close() {
	if cre.closed {
		return
	}
	cre.closed = true
	m := cre.cm
	m.mu.Lock()
	cre.cstate.disabledCounter--
	// Resubmit only if this was the last disable scope and the gate is still
	// open; during table removal or shutdown the submission must degrade to
	// a no-op.
	reenable := cre.cstate.disabledCounter == 0 && !cre.cstate.gate.closed
	cre.cstate.gate.leaveLocked()
	m.mu.Unlock()
	if reenable {
		m.Submit(cre.table)
	}
}

// RunWithCompactionDisabled runs fn with compaction temporarily disabled for
// table t, after stopping all ongoing compactions on it.
func (m *Manager) RunWithCompactionDisabled(t base.TableState, fn func() error) error {
	cre, err := m.stopAndDisableCompaction(t)
	if err != nil {
		return err
	}
	defer cre.close()
	return fn()
}

// numRunsForCompactionLocked counts the distinct runs in the descriptor the
// strategy would pick right now. Requires m.mu held.
func (m *Manager) numRunsForCompactionLocked(t base.TableState) int {
	candidates := m.getCandidatesLocked(t, t.MainSSTables())
	desc := t.CompactionStrategy().GetSSTablesForCompaction(t, strategyControl{cm: m, locked: true}, candidates)
	runs := make(map[uuid.UUID]struct{})
	for _, sst := range desc.SSTables {
		runs[sst.RunID()] = struct{}{}
	}
	return len(runs)
}

// MaybeWaitForSSTableCountReduction blocks until the number of runs eligible
// for compaction drops to max(the schema's max compaction threshold, 32), or
// until the table becomes ineligible for regular compaction. Used to
// backpressure flushes when compaction falls behind.
func (m *Manager) MaybeWaitForSSTableCountReduction(t base.TableState) error {
	s := t.Schema()
	m.mu.Lock()
	if !m.canPerformRegularCompactionLocked(t) {
		m.mu.Unlock()
		return nil
	}
	threshold := max(s.MaxCompactionThreshold, 32)
	count := m.numRunsForCompactionLocked(t)
	m.mu.Unlock()
	if count <= threshold {
		return nil
	}

	// Reduce the chances of an endless wait if compaction wasn't scheduled
	// for the table due to a problem.
	m.Submit(t)
	start := crtime.NowMono()

	m.mu.Lock()
	for {
		cs, ok := m.mu.tables[t]
		if !ok || !m.canPerformRegularCompactionLocked(t) {
			break
		}
		if m.numRunsForCompactionLocked(t) <= threshold {
			break
		}
		cs.done.Wait()
	}
	m.mu.Unlock()

	m.opts.Logger.Infof("compaction: waited %v for compaction of %s.%s to catch up on %d sstable runs",
		start.Elapsed(), s.Keyspace, s.Table, count)
	return nil
}

// Drain cancels all running compactions and moves the manager into the
// disabled state. The manager stays alive but accepts no new compactions
// until re-enabled.
func (m *Manager) Drain() error {
	m.opts.Logger.Infof("compaction: asked to drain")
	m.mu.Lock()
	if m.mu.state == managerStateStopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.state = managerStateDisabled
	m.mu.Unlock()
	err := m.StopOngoingCompactions("drain", nil, nil)
	m.opts.Logger.Infof("compaction: drained")
	return err
}

// Stop stops all background work and waits for it. Idempotent: repeated
// calls complete with the same terminal state.
func (m *Manager) Stop() error {
	m.doStop()
	<-m.stopDoneCh
	return m.stopErr
}

// doStop initiates shutdown without waiting. Safe to call multiple times and
// from task goroutines.
func (m *Manager) doStop() {
	m.mu.Lock()
	if m.mu.state == managerStateStopped {
		m.mu.Unlock()
		return
	}
	m.mu.state = managerStateStopped
	m.mu.Unlock()
	go m.reallyDoStop()
}

func (m *Manager) reallyDoStop() {
	m.opts.Logger.Infof("compaction: asked to stop")
	if m.opts.MetricsRegisterer != nil {
		m.metrics.unregister(m.opts.MetricsRegisterer)
	}
	err := m.StopOngoingCompactions("shutdown", nil, nil)

	// Wake the re-evaluation loop so it drains the postponed set and exits,
	// then join it.
	m.mu.Lock()
	reevalDoneCh := m.mu.reevalDoneCh
	reevalRunning := m.mu.reevalRunning
	tickerRunning := m.mu.tickerRunning
	m.mu.Unlock()
	if reevalRunning {
		m.reevaluatePostponedCompactions()
		<-reevalDoneCh
	}

	m.mu.Lock()
	m.mu.weights = make(map[int]struct{})
	// Unblock any sstable-count-reduction waiters.
	for _, cs := range m.mu.tables {
		cs.done.Broadcast()
	}
	m.mu.Unlock()

	if tickerRunning {
		close(m.tickerStopCh)
		<-m.tickerDoneCh
	}
	m.controller.Shutdown()
	m.backlogManager.Close()

	m.stopErr = err
	m.opts.Logger.Infof("compaction: stopped")
	close(m.stopDoneCh)
}
