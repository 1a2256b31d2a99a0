// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/waldeilton/compactor/internal/base"
)

// Cleanup executes the smallest jobs first, so earlier rewrites free space
// for the later, larger ones.
func TestCleanupOrdering(t *testing.T) {
	f := newFakeCompactor()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	strategy := newScriptedStrategy()
	strategy.cleanupJobsSplit = true
	tbl := newFakeTable("ks", "t", strategy)
	tbl.addSSTable(100 << 20)
	tbl.addSSTable(50 << 20)
	tbl.addSSTable(200 << 20)
	tbl.addSSTable(10 << 20)
	require.NoError(t, m.Add(tbl))

	require.NoError(t, m.PerformCleanup(tbl, nil, nil))

	var sizes []uint64
	for _, d := range f.calls() {
		require.Len(t, d.SSTables, 1)
		require.Equal(t, base.CompactionKindCleanup, d.Kind)
		sizes = append(sizes, d.SSTables[0].DataSize())
	}
	require.Equal(t, []uint64{10 << 20, 50 << 20, 100 << 20, 200 << 20}, sizes)
	require.Zero(t, m.numCompactingForTesting())
	require.Zero(t, m.Stats().Pending)
}

// A second cleanup on the same table is rejected while one is ongoing.
func TestCleanupRejectsConcurrent(t *testing.T) {
	f := newFakeCompactor().blocking()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	strategy := newScriptedStrategy()
	strategy.cleanupJobsSplit = true
	tbl := newFakeTable("ks", "t", strategy)
	tbl.addSSTable(10 << 20)
	require.NoError(t, m.Add(tbl))

	done := make(chan error, 1)
	go func() {
		done <- m.PerformCleanup(tbl, nil, nil)
	}()
	<-f.started

	err := m.PerformCleanup(tbl, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ongoing cleanup")

	f.release <- struct{}{}
	require.NoError(t, <-done)
}

// Cleanup's candidate filter limits the rewrite to files that need it.
func TestCleanupFilter(t *testing.T) {
	f := newFakeCompactor()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	strategy := newScriptedStrategy()
	strategy.cleanupJobsSplit = true
	tbl := newFakeTable("ks", "t", strategy)
	keep := tbl.addSSTable(10 << 20)
	tbl.addSSTable(20 << 20)
	require.NoError(t, m.Add(tbl))

	require.NoError(t, m.PerformCleanup(tbl, nil, func(sst base.SSTable) bool {
		return sst.FileNum() != keep.FileNum()
	}))
	calls := f.calls()
	require.Len(t, calls, 1)
	require.Equal(t, uint64(20<<20), calls[0].SSTables[0].DataSize())
}

// Upgrade rewrites only files older than the highest supported format
// unless asked to rewrite everything.
func TestSSTableUpgrade(t *testing.T) {
	f := newFakeCompactor()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	tbl := newFakeTable("ks", "t", newScriptedStrategy())
	old := tbl.addSSTable(10<<20, func(s *fakeSSTable) { s.format = 1 })
	tbl.addSSTable(20 << 20)
	require.NoError(t, m.Add(tbl))

	require.NoError(t, m.PerformSSTableUpgrade(tbl, true /* excludeCurrentVersion */))
	calls := f.calls()
	require.Len(t, calls, 1)
	require.Equal(t, base.CompactionKindUpgrade, calls[0].Kind)
	require.Equal(t, old.FileNum(), calls[0].SSTables[0].FileNum())

	// The rewritten file was replaced in the main set.
	for _, sst := range tbl.MainSSTables() {
		require.NotEqual(t, old.FileNum(), sst.FileNum())
	}
}

// Scrub in rewrite mode applies the quarantine filter and skips files
// awaiting view building.
func TestScrubQuarantineModes(t *testing.T) {
	f := newFakeCompactor()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	tbl := newFakeTable("ks", "t", newScriptedStrategy())
	quarantined := tbl.addSSTable(10<<20, func(s *fakeSSTable) { s.quarantined = true })
	tbl.addSSTable(20 << 20)
	tbl.addSSTable(30<<20, func(s *fakeSSTable) { s.requiresView = true })
	require.NoError(t, m.Add(tbl))

	require.NoError(t, m.PerformSSTableScrub(tbl, base.ScrubOptions{
		Mode:       base.ScrubModeSkip,
		Quarantine: base.QuarantineOnly,
	}))
	calls := f.calls()
	require.Len(t, calls, 1)
	require.Equal(t, base.CompactionKindScrub, calls[0].Kind)
	require.Equal(t, quarantined.FileNum(), calls[0].SSTables[0].FileNum())
}

// Scrub in validate mode reads every file, counts per-file corruption
// without rewriting, and keeps going.
func TestScrubValidateMode(t *testing.T) {
	f := newFakeCompactor()
	corrupt := base.FileNum(0)
	f.errFor = func(d base.Descriptor) error {
		if d.Scrub.Mode == base.ScrubModeValidate && d.SSTables[0].FileNum() == corrupt {
			return errors.New("checksum mismatch")
		}
		return nil
	}
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	tbl := newFakeTable("ks", "t", newScriptedStrategy())
	tbl.addSSTable(10 << 20)
	bad := tbl.addSSTable(20 << 20)
	tbl.addSSTable(30 << 20)
	corrupt = bad.fileNum
	require.NoError(t, m.Add(tbl))

	mainBefore := len(tbl.MainSSTables())
	require.NoError(t, m.PerformSSTableScrub(tbl, base.ScrubOptions{Mode: base.ScrubModeValidate}))
	require.Len(t, f.calls(), 3)
	require.Equal(t, int64(1), m.Stats().Errors)
	require.Len(t, tbl.MainSSTables(), mainBefore)
	require.Zero(t, m.Stats().Pending)
}

// The rewrite path charges a user-initiated backlog while a job runs.
func TestRewriteChargesBacklog(t *testing.T) {
	f := newFakeCompactor().blocking()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	tbl := newFakeTable("ks", "t", newScriptedStrategy())
	tbl.addSSTable(10 << 20)
	require.NoError(t, m.Add(tbl))

	baseline := m.Backlog()
	done := make(chan error, 1)
	go func() {
		done <- m.PerformSSTableUpgrade(tbl, false)
	}()
	<-f.started
	require.Greater(t, m.Backlog(), baseline)

	f.release <- struct{}{}
	require.NoError(t, <-done)
	require.Equal(t, baseline, m.Backlog())
}
