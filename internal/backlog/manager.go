// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package backlog

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/waldeilton/compactor/internal/controller"
)

// Manager is the shard-wide set of backlog trackers. It stores non-owning
// references only; trackers deregister themselves on Close.
type Manager struct {
	mu struct {
		sync.Mutex
		trackers map[*Tracker]struct{}
	}
	// fallback supplies the "high backlog" constant reported when summation
	// itself fails, keeping the I/O controller fed no matter what.
	fallback func() float64
}

// NewManager creates an empty manager. fallback is typically
// controller.BacklogOfShares(1000).
func NewManager(fallback func() float64) *Manager {
	m := &Manager{fallback: fallback}
	m.mu.trackers = make(map[*Tracker]struct{})
	return m
}

// Backlog sums the backlog of every registered tracker. If any tracker
// contributes the disable sentinel, the sum is the sentinel. On failure the
// fallback constant is reported instead.
func (m *Manager) Backlog() (b float64) {
	defer func() {
		if r := recover(); r != nil {
			b = m.fallback()
		}
	}()
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.mu.trackers))
	for t := range m.mu.trackers {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	var total float64
	for _, t := range trackers {
		total += t.Backlog()
	}
	if controller.BacklogDisabled(total) {
		return controller.DisableBacklog
	}
	return total
}

// RegisterTracker adds a tracker and installs its back-link.
func (m *Manager) RegisterTracker(t *Tracker) {
	t.setManager(m)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.trackers[t] = struct{}{}
}

func (m *Manager) removeTracker(t *Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.trackers, t)
}

// Close clears the back-link of every remaining tracker so late tracker
// closes do not reach a dead manager.
func (m *Manager) Close() {
	m.mu.Lock()
	trackers := m.mu.trackers
	m.mu.trackers = make(map[*Tracker]struct{})
	m.mu.Unlock()
	for t := range trackers {
		t.setManager(nil)
	}
}

// NumTrackers returns the number of registered trackers.
func (m *Manager) NumTrackers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.trackers)
}

func errFromPanic(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.Newf("panic: %v", r)
}
