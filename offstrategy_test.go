// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/waldeilton/compactor/internal/base"
)

// pairwiseReshape merges the first two candidates per round until a single
// sstable remains.
func pairwiseReshape(candidates []base.SSTable) base.Descriptor {
	if len(candidates) < 2 {
		return base.Descriptor{}
	}
	return base.Descriptor{
		SSTables: []base.SSTable{candidates[0], candidates[1]},
		RunID:    uuid.New(),
	}
}

// A multi-round reshape unlinks intermediates eagerly, keeps maintenance
// inputs until the end, and installs the final candidates into the main set
// in one transaction.
func TestOffstrategyReshape(t *testing.T) {
	f := newFakeCompactor()
	m := newTestManager(f)
	defer func() { require.NoError(t, m.Stop()) }()

	strategy := newScriptedStrategy()
	strategy.reshapeOverride = pairwiseReshape
	tbl := newFakeTable("ks", "t", strategy)
	var inputs []*fakeSSTable
	for i := 0; i < 4; i++ {
		inputs = append(inputs, tbl.addMaintenanceSSTable(64<<20))
	}
	require.NoError(t, m.Add(tbl))

	performed, err := m.PerformOffstrategy(tbl)
	require.NoError(t, err)
	require.True(t, performed)

	// 4 inputs -> 2 intermediates -> 1 final: three rounds. The two
	// intermediates were consumed by round three and unlinked immediately.
	require.Len(t, f.calls(), 3)
	created := tbl.createdSSTables()
	require.Len(t, created, 3)
	require.True(t, created[0].unlinked.Load())
	require.True(t, created[1].unlinked.Load())

	// The maintenance set was drained and exactly one final sstable entered
	// the main set.
	require.Empty(t, tbl.MaintenanceSSTables())
	require.Len(t, tbl.MainSSTables(), 1)
	final := tbl.MainSSTables()[0].(*fakeSSTable)
	require.False(t, final.unlinked.Load())
	require.False(t, final.deleted.Load())

	// Maintenance inputs are only marked for deletion, never unlinked.
	for _, sst := range inputs {
		require.True(t, sst.deleted.Load())
		require.False(t, sst.unlinked.Load())
	}
}

// Without any reshaping work the operation reports that nothing ran.
func TestOffstrategyNothingToDo(t *testing.T) {
	m := newTestManager(newFakeCompactor())
	defer func() { require.NoError(t, m.Stop()) }()

	strategy := newScriptedStrategy()
	strategy.reshapeOverride = pairwiseReshape
	tbl := newFakeTable("ks", "t", strategy)
	tbl.addMaintenanceSSTable(64 << 20)
	require.NoError(t, m.Add(tbl))

	performed, err := m.PerformOffstrategy(tbl)
	require.NoError(t, err)
	require.False(t, performed)

	// With a single candidate no round runs, but integration still installs
	// the candidate list into the main set.
	require.Empty(t, tbl.MaintenanceSSTables())
	require.Len(t, tbl.MainSSTables(), 1)
}

// A failed reshape marks the newly created but unused sstables for deletion
// and leaves the maintenance set alone.
func TestOffstrategyFailureCleanup(t *testing.T) {
	f := newFakeCompactor()
	round := 0
	f.errFor = func(d base.Descriptor) error {
		round++
		if round == 2 {
			return base.MarkCompactionAborted(errors.New("strategy invariant violated"))
		}
		return nil
	}
	m := newTestManager(f)
	defer m.Stop()

	strategy := newScriptedStrategy()
	strategy.reshapeOverride = pairwiseReshape
	tbl := newFakeTable("ks", "t", strategy)
	for i := 0; i < 4; i++ {
		tbl.addMaintenanceSSTable(64 << 20)
	}
	require.NoError(t, m.Add(tbl))

	performed, err := m.PerformOffstrategy(tbl)
	require.Error(t, err)
	require.True(t, performed)

	// The round-1 output never made it anywhere; it must be marked for
	// deletion. The maintenance set is untouched.
	require.Len(t, tbl.MaintenanceSSTables(), 4)
	require.Len(t, f.calls(), 2)
	created := tbl.createdSSTables()
	require.Len(t, created, 1)
	require.True(t, created[0].deleted.Load())
	require.False(t, created[0].unlinked.Load())
}
