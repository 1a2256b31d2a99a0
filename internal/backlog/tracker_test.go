// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package backlog

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/waldeilton/compactor/internal/base"
	"github.com/waldeilton/compactor/internal/controller"
)

type testSSTable struct {
	fileNum  base.FileNum
	size     uint64
	eligible bool
}

var _ base.SSTable = (*testSSTable)(nil)

func (s *testSSTable) FileNum() base.FileNum       { return s.fileNum }
func (s *testSSTable) DataSize() uint64            { return s.size }
func (s *testSSTable) Level() int                  { return 0 }
func (s *testSSTable) RunID() uuid.UUID            { return uuid.Nil }
func (s *testSSTable) Format() base.TableFormat    { return 1 }
func (s *testSSTable) EligibleForCompaction() bool { return s.eligible }
func (s *testSSTable) Quarantined() bool           { return false }
func (s *testSSTable) RequiresViewBuilding() bool  { return false }
func (s *testSSTable) Unlink() error               { return nil }
func (s *testSSTable) MarkForDeletion()            {}

type testProgress struct {
	bytes uint64
}

func (p *testProgress) BytesWritten() uint64 { return p.bytes }
func (p *testProgress) BytesRead() uint64    { return p.bytes }

// countingImpl reports a backlog proportional to the tracked charges and
// records replacements.
type countingImpl struct {
	replacements int
	replaceErr   error
	panicOnCall  bool
}

func (i *countingImpl) Backlog(w OngoingWrites, c OngoingCompactions) float64 {
	if i.panicOnCall {
		panic("backlog impl blew up")
	}
	return float64(len(w) + len(c))
}

func (i *countingImpl) ReplaceSSTables(old, new []base.SSTable) error {
	if i.panicOnCall {
		panic("backlog impl blew up")
	}
	i.replacements++
	return i.replaceErr
}

func TestTrackerCharges(t *testing.T) {
	impl := &countingImpl{}
	tr := NewTracker(base.NoopLogger{}, impl)

	w := &testSSTable{fileNum: 1, size: 100, eligible: true}
	r := &testSSTable{fileNum: 2, size: 200, eligible: true}
	tr.RegisterPartiallyWrittenSSTable(w, &testProgress{bytes: 10})
	tr.RegisterCompactingSSTable(r, &testProgress{bytes: 20})
	require.Equal(t, 2.0, tr.Backlog())

	tr.RevertCharges(w)
	require.Equal(t, 1.0, tr.Backlog())
	// Reverting a charge that is not held is a no-op.
	tr.RevertCharges(w)
	require.Equal(t, 1.0, tr.Backlog())
}

// ReplaceSSTables filters to files the tracker owns and reverts their
// charges before notifying the impl.
func TestTrackerReplaceRevertsCharges(t *testing.T) {
	impl := &countingImpl{}
	tr := NewTracker(base.NoopLogger{}, impl)

	owned := &testSSTable{fileNum: 1, size: 100, eligible: true}
	foreign := &testSSTable{fileNum: 2, size: 100, eligible: false}
	tr.RegisterCompactingSSTable(owned, &testProgress{})
	require.Equal(t, 1.0, tr.Backlog())

	tr.ReplaceSSTables([]base.SSTable{owned, foreign}, nil)
	require.Equal(t, 1, impl.replacements)
	require.Equal(t, 0.0, tr.Backlog())
}

// An impl failure permanently disables the tracker, which then contributes
// the disable sentinel.
func TestTrackerSelfDisables(t *testing.T) {
	impl := &countingImpl{replaceErr: errors.New("impl failure")}
	tr := NewTracker(base.NoopLogger{}, impl)

	require.False(t, tr.Disabled())
	tr.ReplaceSSTables(nil, []base.SSTable{&testSSTable{fileNum: 1, eligible: true}})
	require.True(t, tr.Disabled())
	require.True(t, controller.BacklogDisabled(tr.Backlog()))

	// Further operations are ignored.
	tr.RegisterCompactingSSTable(&testSSTable{fileNum: 2, eligible: true}, &testProgress{})
	require.True(t, controller.BacklogDisabled(tr.Backlog()))
}

// A panicking impl during replacement also disables the tracker.
func TestTrackerDisablesOnPanic(t *testing.T) {
	impl := &countingImpl{panicOnCall: true}
	tr := NewTracker(base.NoopLogger{}, impl)
	tr.ReplaceSSTables(nil, []base.SSTable{&testSSTable{fileNum: 1, eligible: true}})
	require.True(t, tr.Disabled())
}

func TestTransferOngoingCharges(t *testing.T) {
	from := NewTracker(base.NoopLogger{}, &countingImpl{})
	to := NewTracker(base.NoopLogger{}, &countingImpl{})

	w := &testSSTable{fileNum: 1, eligible: true}
	r := &testSSTable{fileNum: 2, eligible: true}
	from.RegisterPartiallyWrittenSSTable(w, &testProgress{})
	from.RegisterCompactingSSTable(r, &testProgress{})

	from.TransferOngoingCharges(to, false /* moveReads */)
	require.Equal(t, 0.0, from.Backlog())
	require.Equal(t, 1.0, to.Backlog())

	from2 := NewTracker(base.NoopLogger{}, &countingImpl{})
	to2 := NewTracker(base.NoopLogger{}, &countingImpl{})
	from2.RegisterPartiallyWrittenSSTable(w, &testProgress{})
	from2.RegisterCompactingSSTable(r, &testProgress{})
	from2.TransferOngoingCharges(to2, true /* moveReads */)
	require.Equal(t, 2.0, to2.Backlog())
}

func TestManagerSumsTrackers(t *testing.T) {
	m := NewManager(func() float64 { return 1000 })
	t1 := NewTracker(base.NoopLogger{}, &countingImpl{})
	t2 := NewTracker(base.NoopLogger{}, &countingImpl{})
	m.RegisterTracker(t1)
	m.RegisterTracker(t2)

	t1.RegisterCompactingSSTable(&testSSTable{fileNum: 1, eligible: true}, &testProgress{})
	t2.RegisterCompactingSSTable(&testSSTable{fileNum: 2, eligible: true}, &testProgress{})
	require.Equal(t, 2.0, m.Backlog())

	// A disabled tracker poisons the sum with the sentinel.
	t2.Disable()
	require.True(t, controller.BacklogDisabled(m.Backlog()))

	// Closing deregisters.
	t2.Close()
	require.Equal(t, 1.0, m.Backlog())
	require.Equal(t, 1, m.NumTrackers())
}

// A tracker whose impl panics on Backlog makes the manager fall back to the
// high-backlog constant, keeping the I/O controller fed.
func TestManagerFallback(t *testing.T) {
	m := NewManager(func() float64 { return 1000 })
	tr := NewTracker(base.NoopLogger{}, &countingImpl{panicOnCall: true})
	m.RegisterTracker(tr)
	require.Equal(t, 1000.0, m.Backlog())
}

// Closing the manager clears every tracker's back-link; a late Close on the
// tracker is then a no-op.
func TestManagerCloseClearsBacklinks(t *testing.T) {
	m := NewManager(func() float64 { return 1000 })
	tr := NewTracker(base.NoopLogger{}, &countingImpl{})
	m.RegisterTracker(tr)
	m.Close()
	require.Zero(t, m.NumTrackers())
	tr.Close()
}
