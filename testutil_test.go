// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/waldeilton/compactor/internal/base"
)

// fakeSSTable is an in-memory SSTable handle.
type fakeSSTable struct {
	fileNum      base.FileNum
	size         uint64
	level        int
	runID        uuid.UUID
	format       base.TableFormat
	ineligible   bool
	quarantined  bool
	requiresView bool

	unlinked  atomic.Bool
	deleted   atomic.Bool
}

var _ base.SSTable = (*fakeSSTable)(nil)

func (s *fakeSSTable) FileNum() base.FileNum        { return s.fileNum }
func (s *fakeSSTable) DataSize() uint64             { return s.size }
func (s *fakeSSTable) Level() int                   { return s.level }
func (s *fakeSSTable) RunID() uuid.UUID             { return s.runID }
func (s *fakeSSTable) Format() base.TableFormat     { return s.format }
func (s *fakeSSTable) EligibleForCompaction() bool  { return !s.ineligible }
func (s *fakeSSTable) Quarantined() bool            { return s.quarantined }
func (s *fakeSSTable) RequiresViewBuilding() bool   { return s.requiresView }
func (s *fakeSSTable) Unlink() error                { s.unlinked.Store(true); return nil }
func (s *fakeSSTable) MarkForDeletion()             { s.deleted.Store(true) }

// fakeTable is an in-memory TableState.
type fakeTable struct {
	schema   base.Schema
	strategy base.Strategy

	autoDisabled atomic.Bool

	mu struct {
		sync.Mutex
		nextFileNum base.FileNum
		main        []base.SSTable
		maintenance []base.SSTable
		created     []*fakeSSTable
		history     []base.CompactionHistoryEntry
	}
}

var _ base.TableState = (*fakeTable)(nil)

func newFakeTable(keyspace, name string, strategy base.Strategy) *fakeTable {
	t := &fakeTable{
		schema: base.Schema{
			Keyspace:               keyspace,
			Table:                  name,
			MaxCompactionThreshold: 32,
			HighestSupportedFormat: 2,
		},
		strategy: strategy,
	}
	t.mu.nextFileNum = 1000
	return t
}

func (t *fakeTable) addSSTable(size uint64, opts ...func(*fakeSSTable)) *fakeSSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	sst := &fakeSSTable{
		fileNum: t.mu.nextFileNum,
		size:    size,
		runID:   uuid.New(),
		format:  2,
	}
	t.mu.nextFileNum++
	for _, opt := range opts {
		opt(sst)
	}
	t.mu.main = append(t.mu.main, sst)
	return sst
}

func (t *fakeTable) addMaintenanceSSTable(size uint64) *fakeSSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	sst := &fakeSSTable{
		fileNum: t.mu.nextFileNum,
		size:    size,
		runID:   uuid.New(),
		format:  2,
	}
	t.mu.nextFileNum++
	t.mu.maintenance = append(t.mu.maintenance, sst)
	return sst
}

func (t *fakeTable) Schema() base.Schema { return t.schema }

func (t *fakeTable) MainSSTables() []base.SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.mu.main)
}

func (t *fakeTable) MaintenanceSSTables() []base.SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.mu.maintenance)
}

func (t *fakeTable) CompactionStrategy() base.Strategy { return t.strategy }

func (t *fakeTable) MakeSSTable() base.SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	sst := &fakeSSTable{
		fileNum: t.mu.nextFileNum,
		runID:   uuid.New(),
		format:  2,
	}
	t.mu.nextFileNum++
	t.mu.created = append(t.mu.created, sst)
	return sst
}

func (t *fakeTable) createdSSTables() []*fakeSSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.mu.created)
}

func (t *fakeTable) OnCompactionCompletion(desc base.CompletionDesc, offstrategy bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	drop := make(map[base.FileNum]struct{}, len(desc.Old))
	for _, sst := range desc.Old {
		drop[sst.FileNum()] = struct{}{}
	}
	remove := func(ssts []base.SSTable) []base.SSTable {
		return slices.DeleteFunc(ssts, func(sst base.SSTable) bool {
			_, ok := drop[sst.FileNum()]
			return ok
		})
	}
	t.mu.main = remove(t.mu.main)
	t.mu.maintenance = remove(t.mu.maintenance)
	t.mu.main = append(t.mu.main, desc.New...)
	return nil
}

func (t *fakeTable) UpdateCompactionHistory(_ context.Context, h base.CompactionHistoryEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.history = append(t.mu.history, h)
	return nil
}

func (t *fakeTable) AutoCompactionDisabled() bool { return t.autoDisabled.Load() }

// scriptedStrategy picks all candidates as one job once there are at least
// minFiles of them. Individual picks can be overridden per test.
type scriptedStrategy struct {
	parallel          bool
	minFiles          int
	fullyExpired      bool
	pickOverride      func(candidates []base.SSTable) base.Descriptor
	reshapeOverride   func(candidates []base.SSTable) base.Descriptor
	cleanupJobsSplit  bool // one job per candidate
}

var _ base.Strategy = (*scriptedStrategy)(nil)

func newScriptedStrategy() *scriptedStrategy {
	return &scriptedStrategy{parallel: true, minFiles: 2}
}

func (s *scriptedStrategy) Name() string             { return "scripted" }
func (s *scriptedStrategy) ParallelCompaction() bool { return s.parallel }

func (s *scriptedStrategy) GetSSTablesForCompaction(
	t base.TableState, control base.StrategyControl, candidates []base.SSTable,
) base.Descriptor {
	if s.pickOverride != nil {
		return s.pickOverride(candidates)
	}
	if len(candidates) < s.minFiles {
		return base.Descriptor{}
	}
	return base.Descriptor{
		SSTables:            slices.Clone(candidates),
		RunID:               uuid.New(),
		HasOnlyFullyExpired: s.fullyExpired,
	}
}

func (s *scriptedStrategy) GetMajorCompactionJob(
	t base.TableState, candidates []base.SSTable,
) base.Descriptor {
	if len(candidates) == 0 {
		return base.Descriptor{}
	}
	return base.Descriptor{SSTables: slices.Clone(candidates), RunID: uuid.New()}
}

func (s *scriptedStrategy) GetReshapingJob(
	candidates []base.SSTable, mode base.ReshapeMode,
) base.Descriptor {
	if s.reshapeOverride != nil {
		return s.reshapeOverride(candidates)
	}
	return base.Descriptor{}
}

func (s *scriptedStrategy) GetCleanupCompactionJobs(
	t base.TableState, candidates []base.SSTable,
) []base.Descriptor {
	if s.cleanupJobsSplit {
		jobs := make([]base.Descriptor, 0, len(candidates))
		for _, sst := range candidates {
			jobs = append(jobs, base.Descriptor{SSTables: []base.SSTable{sst}, RunID: uuid.New()})
		}
		return jobs
	}
	if len(candidates) == 0 {
		return nil
	}
	return []base.Descriptor{{SSTables: slices.Clone(candidates), RunID: uuid.New()}}
}

func (s *scriptedStrategy) NotifyCompletion(old, new []base.SSTable) {}

// fakeCompactor is a controllable CompactSSTables implementation. Without
// hooks it merges the inputs into one output half their size.
type fakeCompactor struct {
	mu struct {
		sync.Mutex
		calls []base.Descriptor
	}
	// started receives one value per compaction that begins; nil disables.
	started chan base.Descriptor
	// release, when non-nil, blocks each compaction until a value is
	// received or the compaction is cancelled.
	release chan struct{}
	// errFor, when non-nil, can fail a compaction.
	errFor func(d base.Descriptor) error
}

func newFakeCompactor() *fakeCompactor {
	return &fakeCompactor{}
}

func (f *fakeCompactor) blocking() *fakeCompactor {
	f.started = make(chan base.Descriptor, 16)
	f.release = make(chan struct{}, 16)
	return f
}

func (f *fakeCompactor) calls() []base.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.mu.calls)
}

func (f *fakeCompactor) compact(
	ctx context.Context, d base.Descriptor, cd *base.CompactionData, t base.TableState,
) (base.Result, error) {
	f.mu.Lock()
	f.mu.calls = append(f.mu.calls, d)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- d
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return base.Result{}, context.Cause(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		return base.Result{}, context.Cause(ctx)
	}
	if f.errFor != nil {
		if err := f.errFor(d); err != nil {
			return base.Result{}, err
		}
	}

	cd.TotalPartitions.Add(int64(len(d.SSTables)))
	cd.TotalKeysWritten.Add(1)

	if d.Scrub.Mode == base.ScrubModeValidate {
		// Validation reads without rewriting.
		return base.Result{EndedAt: time.Now()}, nil
	}

	startSize := d.TotalSize()
	var out base.SSTable
	if d.Creator != nil {
		out = d.Creator()
	} else {
		out = t.MakeSSTable()
	}
	if fake, ok := out.(*fakeSSTable); ok {
		fake.size = startSize / 2
		fake.runID = d.RunID
	}
	res := base.Result{
		NewSSTables: []base.SSTable{out},
		EndedAt:     time.Now(),
		StartSize:   startSize,
		EndSize:     startSize / 2,
	}
	if d.Replacer != nil {
		if err := d.Replacer(base.CompletionDesc{Old: d.SSTables, New: res.NewSSTables}); err != nil {
			return base.Result{}, err
		}
	}
	return res, nil
}

// newTestManager builds an enabled manager wired to the given compactor,
// with short retry backoff so failure paths stay fast.
func newTestManager(f *fakeCompactor) *Manager {
	m, err := NewManager(Options{
		Logger:                     base.NoopLogger{},
		CompactSSTables:            f.compact,
		AvailableMemory:            1 << 30,
		PeriodicSubmissionInterval: time.Hour,
		RetryInitialBackoff:        time.Millisecond,
		RetryMaxBackoff:            10 * time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	m.Enable()
	return m
}
