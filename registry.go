// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"github.com/google/uuid"
	"github.com/waldeilton/compactor/internal/base"
)

// registerCompactingSSTablesLocked marks ssts as owned by a running task so no
// other descriptor can pick them. Requires m.mu held.
func (m *Manager) registerCompactingSSTablesLocked(ssts []base.SSTable) {
	for _, sst := range ssts {
		m.mu.compacting.Put(sst.FileNum(), sst)
	}
}

// deregisterCompactingSSTablesLocked releases ownership. Requires m.mu held.
func (m *Manager) deregisterCompactingSSTablesLocked(ssts []base.SSTable) {
	for _, sst := range ssts {
		m.mu.compacting.Delete(sst.FileNum())
	}
}

// compactingRegistration owns the registration of a descriptor's input files
// in the shard-wide compacting set. close deregisters whatever is still held
// exactly once; release drops partial subsets early (idempotent with respect
// to the remaining set), so exhausted inputs free their claim before the job
// finishes.
type compactingRegistration struct {
	cm         *Manager
	compacting map[base.FileNum]base.SSTable
}

func newCompactingRegistration(cm *Manager) *compactingRegistration {
	return &compactingRegistration{
		cm:         cm,
		compacting: make(map[base.FileNum]base.SSTable),
	}
}

func registerCompacting(cm *Manager, ssts []base.SSTable) *compactingRegistration {
	r := newCompactingRegistration(cm)
	r.register(ssts)
	return r
}

func (r *compactingRegistration) register(ssts []base.SSTable) {
	r.cm.mu.Lock()
	defer r.cm.mu.Unlock()
	r.registerLocked(ssts)
}

func (r *compactingRegistration) registerLocked(ssts []base.SSTable) {
	for _, sst := range ssts {
		r.compacting[sst.FileNum()] = sst
	}
	r.cm.registerCompactingSSTablesLocked(ssts)
}

// release deregisters the given subset. Files not held by this registration
// are ignored.
func (r *compactingRegistration) release(ssts []base.SSTable) {
	r.cm.mu.Lock()
	defer r.cm.mu.Unlock()
	var owned []base.SSTable
	for _, sst := range ssts {
		if _, ok := r.compacting[sst.FileNum()]; ok {
			owned = append(owned, sst)
			delete(r.compacting, sst.FileNum())
		}
	}
	r.cm.deregisterCompactingSSTablesLocked(owned)
}

// close deregisters everything still held. Safe to call on an empty
// registration.
func (r *compactingRegistration) close() {
	r.cm.mu.Lock()
	defer r.cm.mu.Unlock()
	for _, sst := range r.compacting {
		r.cm.mu.compacting.Delete(sst.FileNum())
	}
	r.compacting = make(map[base.FileNum]base.SSTable)
}

// getCandidates returns, from the main sstable set, the files eligible for a
// new compaction: engine-eligible, not currently compacting, and not part of
// an output run some task is still generating.
func (m *Manager) getCandidates(t base.TableState) []base.SSTable {
	main := t.MainSSTables()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCandidatesLocked(t, main)
}

func (m *Manager) getCandidatesLocked(t base.TableState, main []base.SSTable) []base.SSTable {
	// Partial runs being generated by ongoing compactions must not be picked,
	// or the strategy could compact half a run against its other half.
	partialRuns := make(map[uuid.UUID]struct{})
	for _, task := range m.mu.tasks {
		if id, ok := task.generatingOutputRunLocked(); ok {
			partialRuns[id] = struct{}{}
		}
	}

	candidates := make([]base.SSTable, 0, len(main))
	for _, sst := range main {
		if !sst.EligibleForCompaction() {
			continue
		}
		if _, ok := m.mu.compacting.Get(sst.FileNum()); ok {
			continue
		}
		if _, ok := partialRuns[sst.RunID()]; ok {
			continue
		}
		candidates = append(candidates, sst)
	}
	return candidates
}
