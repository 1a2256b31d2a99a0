// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/waldeilton/compactor"
)

// workloadConfig is the YAML-settable shape of the simulation. Durations are
// strings in time.ParseDuration syntax.
type workloadConfig struct {
	Tables             int           `yaml:"tables"`
	FlushInterval      time.Duration `yaml:"-"`
	FlushIntervalStr   string        `yaml:"flush_interval"`
	FlushBytes         uint64        `yaml:"flush_bytes"`
	MinFilesPerCompact int           `yaml:"min_files_per_compact"`
	ThroughputMBPerSec uint32        `yaml:"throughput_mb_per_sec"`
	CompactDelayPerMB  time.Duration `yaml:"-"`
	CompactDelayStr    string        `yaml:"compact_delay_per_mb"`
}

func defaultWorkloadConfig() workloadConfig {
	return workloadConfig{
		Tables:             4,
		FlushInterval:      50 * time.Millisecond,
		FlushBytes:         32 << 20,
		MinFilesPerCompact: 4,
		CompactDelayPerMB:  50 * time.Microsecond,
	}
}

func loadWorkloadConfig(path string) (workloadConfig, error) {
	cfg := defaultWorkloadConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.FlushIntervalStr != "" {
		if cfg.FlushInterval, err = time.ParseDuration(cfg.FlushIntervalStr); err != nil {
			return cfg, err
		}
	}
	if cfg.CompactDelayStr != "" {
		if cfg.CompactDelayPerMB, err = time.ParseDuration(cfg.CompactDelayStr); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "run a synthetic flush workload against the compaction manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWorkloadConfig(configPath)
		if err != nil {
			return err
		}
		return runSimulation(cfg)
	},
}

func runSimulation(cfg workloadConfig) error {
	sim := &simulator{cfg: cfg}
	m, err := compactor.NewManager(compactor.Options{
		CompactSSTables:    sim.compact,
		AvailableMemory:    1 << 30,
		ThroughputMBPerSec: cfg.ThroughputMBPerSec,
	})
	if err != nil {
		return err
	}
	sim.manager = m
	m.Enable()

	tables := make([]*simTable, cfg.Tables)
	for i := range tables {
		tables[i] = newSimTable(fmt.Sprintf("t%d", i), cfg.MinFilesPerCompact)
		if err := m.Add(tables[i]); err != nil {
			return err
		}
	}

	stop := time.After(duration)
	flush := time.NewTicker(cfg.FlushInterval)
	defer flush.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	for done := false; !done; {
		select {
		case <-flush.C:
			for _, t := range tables {
				t.flush(cfg.FlushBytes)
				m.Submit(t)
			}
		case <-report.C:
			s := m.Stats()
			log.Printf("active=%d pending=%d completed=%d errors=%d backlog=%.0f",
				s.Active, s.Pending, s.Completed, s.Errors, m.Backlog())
		case <-stop:
			done = true
		}
	}

	for _, t := range tables {
		if err := m.Remove(t); err != nil {
			return err
		}
	}
	if err := m.Stop(); err != nil {
		return err
	}
	s := m.Stats()
	log.Printf("final: completed=%d errors=%d", s.Completed, s.Errors)
	return nil
}

// simulator pretends to merge sstables: it sleeps proportionally to the
// input size, paced by the manager's I/O group.
type simulator struct {
	cfg     workloadConfig
	manager *compactor.Manager
}

func (s *simulator) compact(
	ctx context.Context, d compactor.Descriptor, cd *compactor.CompactionData, t compactor.TableState,
) (compactor.Result, error) {
	total := d.TotalSize()
	if err := s.manager.IOGroup().WaitN(ctx, total); err != nil {
		return compactor.Result{}, err
	}
	delay := time.Duration(total>>20) * s.cfg.CompactDelayPerMB
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return compactor.Result{}, context.Cause(ctx)
	case <-timer.C:
	}

	out := d.Creator()
	if sst, ok := out.(*simSSTable); ok {
		sst.size = total / 2
		sst.runID = d.RunID
	}
	cd.TotalPartitions.Add(int64(len(d.SSTables)))
	res := compactor.Result{
		NewSSTables: []compactor.SSTable{out},
		EndedAt:     time.Now(),
		StartSize:   total,
		EndSize:     total / 2,
	}
	if d.Replacer != nil {
		if err := d.Replacer(compactor.CompletionDesc{Old: d.SSTables, New: res.NewSSTables}); err != nil {
			return compactor.Result{}, err
		}
	}
	if verbose {
		log.Printf("%s: compacted %d files (%d MB) into %s",
			t.Schema().Table, len(d.SSTables), total>>20, out.FileNum())
	}
	return res, nil
}

// simSSTable is an in-memory stand-in for an on-disk table.
type simSSTable struct {
	fileNum compactor.FileNum
	size    uint64
	runID   uuid.UUID
}

func (s *simSSTable) FileNum() compactor.FileNum       { return s.fileNum }
func (s *simSSTable) DataSize() uint64                 { return s.size }
func (s *simSSTable) Level() int                       { return 0 }
func (s *simSSTable) RunID() uuid.UUID                 { return s.runID }
func (s *simSSTable) Format() compactor.TableFormat    { return 1 }
func (s *simSSTable) EligibleForCompaction() bool      { return true }
func (s *simSSTable) Quarantined() bool                { return false }
func (s *simSSTable) RequiresViewBuilding() bool       { return false }
func (s *simSSTable) Unlink() error                    { return nil }
func (s *simSSTable) MarkForDeletion()                 {}

// simTable is an in-memory TableState fed by the flush ticker.
type simTable struct {
	schema   compactor.Schema
	strategy *simStrategy

	mu struct {
		sync.Mutex
		nextFileNum compactor.FileNum
		main        []compactor.SSTable
	}
}

func newSimTable(name string, minFiles int) *simTable {
	t := &simTable{
		schema: compactor.Schema{
			Keyspace:               "sim",
			Table:                  name,
			MaxCompactionThreshold: 32,
			HighestSupportedFormat: 1,
		},
		strategy: &simStrategy{minFiles: minFiles},
	}
	t.mu.nextFileNum = 1
	return t
}

func (t *simTable) flush(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.main = append(t.mu.main, &simSSTable{
		fileNum: t.mu.nextFileNum,
		size:    size,
		runID:   uuid.New(),
	})
	t.mu.nextFileNum++
}

func (t *simTable) Schema() compactor.Schema { return t.schema }

func (t *simTable) MainSSTables() []compactor.SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]compactor.SSTable(nil), t.mu.main...)
}

func (t *simTable) MaintenanceSSTables() []compactor.SSTable { return nil }

func (t *simTable) CompactionStrategy() compactor.Strategy { return t.strategy }

func (t *simTable) MakeSSTable() compactor.SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	sst := &simSSTable{fileNum: t.mu.nextFileNum}
	t.mu.nextFileNum++
	return sst
}

func (t *simTable) OnCompactionCompletion(desc compactor.CompletionDesc, offstrategy bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	drop := make(map[compactor.FileNum]struct{}, len(desc.Old))
	for _, sst := range desc.Old {
		drop[sst.FileNum()] = struct{}{}
	}
	kept := t.mu.main[:0]
	for _, sst := range t.mu.main {
		if _, ok := drop[sst.FileNum()]; !ok {
			kept = append(kept, sst)
		}
	}
	t.mu.main = append(kept, desc.New...)
	return nil
}

func (t *simTable) UpdateCompactionHistory(context.Context, compactor.CompactionHistoryEntry) error {
	return nil
}

func (t *simTable) AutoCompactionDisabled() bool { return false }

// simStrategy compacts all current candidates as one job once at least
// minFiles of them have accumulated.
type simStrategy struct {
	minFiles int
}

func (s *simStrategy) Name() string             { return "sim" }
func (s *simStrategy) ParallelCompaction() bool { return true }

func (s *simStrategy) GetSSTablesForCompaction(
	t compactor.TableState, control compactor.StrategyControl, candidates []compactor.SSTable,
) compactor.Descriptor {
	if len(candidates) < s.minFiles {
		return compactor.Descriptor{}
	}
	return compactor.Descriptor{
		SSTables: candidates,
		RunID:    uuid.New(),
	}
}

func (s *simStrategy) GetMajorCompactionJob(
	t compactor.TableState, candidates []compactor.SSTable,
) compactor.Descriptor {
	if len(candidates) == 0 {
		return compactor.Descriptor{}
	}
	return compactor.Descriptor{SSTables: candidates, RunID: uuid.New()}
}

func (s *simStrategy) GetReshapingJob(
	candidates []compactor.SSTable, mode compactor.ReshapeMode,
) compactor.Descriptor {
	return compactor.Descriptor{}
}

func (s *simStrategy) GetCleanupCompactionJobs(
	t compactor.TableState, candidates []compactor.SSTable,
) []compactor.Descriptor {
	if len(candidates) == 0 {
		return nil
	}
	return []compactor.Descriptor{{SSTables: candidates, RunID: uuid.New()}}
}

func (s *simStrategy) NotifyCompletion(old, new []compactor.SSTable) {}
