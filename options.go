// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compactor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/waldeilton/compactor/internal/base"
)

// Options holds the parameters and collaborators of a Manager.
type Options struct {
	// Logger receives the manager's log output. Defaults to DefaultLogger.
	Logger base.Logger

	// CompactSSTables is the external primitive that merges sstables
	// according to a descriptor. Required.
	CompactSSTables base.CompactFunc

	// AvailableMemory is the shard's memory budget, used to normalize the
	// backlog fed to the controller.
	AvailableMemory uint64

	// StaticShares pins the controller's share allocation when > 0,
	// bypassing the backlog feedback loop.
	StaticShares float64

	// ThroughputMBPerSec caps the compaction I/O group's bandwidth at
	// startup. 0 means unlimited. Adjustable later via UpdateThroughput.
	ThroughputMBPerSec uint32

	// PeriodicSubmissionInterval is how often every known table is
	// resubmitted for regular compaction. Submission is a no-op when there is
	// nothing to do, so a long interval suffices.
	PeriodicSubmissionInterval time.Duration

	// ControllerUpdateInterval is how often the controller re-samples the
	// backlog.
	ControllerUpdateInterval time.Duration

	// RetryInitialBackoff and RetryMaxBackoff bound the exponential backoff
	// between attempts of a failed compaction round.
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// MetricsRegisterer, if set, receives the manager's prometheus
	// collectors. They are unregistered again on Stop.
	MetricsRegisterer prometheus.Registerer
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the updated options.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.AvailableMemory == 0 {
		o.AvailableMemory = 1
	}
	if o.PeriodicSubmissionInterval <= 0 {
		o.PeriodicSubmissionInterval = time.Hour
	}
	if o.ControllerUpdateInterval <= 0 {
		o.ControllerUpdateInterval = 250 * time.Millisecond
	}
	if o.RetryInitialBackoff <= 0 {
		o.RetryInitialBackoff = 5 * time.Second
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = 300 * time.Second
	}
	return o
}
