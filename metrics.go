// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waldeilton/compactor/internal/controller"
)

// managerMetrics exports the manager's counters and gauges as prometheus
// collectors.
type managerMetrics struct {
	collectors []prometheus.Collector
}

func newManagerMetrics(m *Manager) *managerMetrics {
	stats := func(f func(s Stats) float64) func() float64 {
		return func() float64 { return f(m.Stats()) }
	}
	lastBacklog := func() float64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		b := m.mu.lastBacklog
		if controller.BacklogDisabled(b) {
			return controller.NormalizationFactor * float64(m.opts.AvailableMemory)
		}
		return b
	}
	return &managerMetrics{collectors: []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "compaction_manager",
			Name:      "compactions",
			Help:      "Holds the number of currently active compactions.",
		}, stats(func(s Stats) float64 { return float64(s.Active) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "compaction_manager",
			Name:      "pending_compactions",
			Help:      "Holds the number of compaction tasks waiting for an opportunity to run.",
		}, stats(func(s Stats) float64 { return float64(s.Pending) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "compaction_manager",
			Name:      "completed_compactions",
			Help:      "Holds the number of completed compaction tasks.",
		}, stats(func(s Stats) float64 { return float64(s.Completed) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "compaction_manager",
			Name:      "failed_compactions",
			Help:      "Holds the number of failed compaction tasks.",
		}, stats(func(s Stats) float64 { return float64(s.Errors) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "compaction_manager",
			Name:      "postponed_compactions",
			Help:      "Holds the number of tables with postponed compaction.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return float64(len(m.mu.postponed))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "compaction_manager",
			Name:      "backlog",
			Help:      "Holds the sum of compaction backlog for all tables in the system.",
		}, lastBacklog),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "compaction_manager",
			Name:      "normalized_backlog",
			Help: "Holds the sum of normalized compaction backlog for all tables in the system. " +
				"Backlog is normalized by dividing backlog by the shard's available memory.",
		}, func() float64 {
			return lastBacklog() / float64(m.opts.AvailableMemory)
		}),
	}}
}

func (mm *managerMetrics) register(r prometheus.Registerer) error {
	for i, c := range mm.collectors {
		if err := r.Register(c); err != nil {
			for _, reg := range mm.collectors[:i] {
				r.Unregister(reg)
			}
			return err
		}
	}
	return nil
}

func (mm *managerMetrics) unregister(r prometheus.Registerer) {
	for _, c := range mm.collectors {
		r.Unregister(c)
	}
}
