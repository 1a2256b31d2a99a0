// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package controller converts the shard's compaction backlog into a share
// allocation for the compaction scheduling group, and owns the I/O group
// whose bandwidth the manager throttles.
package controller

import (
	"math"
	"sync"
	"time"

	"github.com/waldeilton/compactor/internal/base"
)

// NormalizationFactor is the normalized backlog at which the controller
// saturates and hands out its maximum share allocation.
const NormalizationFactor = 30.0

// DisableBacklog is the sentinel a disabled backlog tracker contributes.
var DisableBacklog = math.Inf(1)

// BacklogDisabled reports whether b carries the disable sentinel.
func BacklogDisabled(b float64) bool { return math.IsInf(b, 1) }

// controlPoint maps a normalized backlog (input) to scheduler shares
// (output). The curve between points is linear.
type controlPoint struct {
	input  float64
	output float64
}

var controlPoints = []controlPoint{
	{input: 0, output: 50},
	{input: 1.5, output: 100},
	{input: NormalizationFactor, output: 1000},
}

// Controller periodically samples the shard backlog and republishes the
// share allocation of the compaction group.
type Controller struct {
	logger         base.Logger
	currentBacklog func() float64
	updateShares   func(shares float64)
	interval       time.Duration

	mu struct {
		sync.Mutex
		staticShares float64
		shares       float64
	}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a controller. currentBacklog must return the shard's current
// normalized backlog; updateShares receives each recomputed allocation and
// may be nil. With staticShares > 0 the feedback loop is bypassed and the
// allocation is pinned.
func New(
	logger base.Logger,
	staticShares float64,
	interval time.Duration,
	currentBacklog func() float64,
	updateShares func(shares float64),
) *Controller {
	c := &Controller{
		logger:         logger,
		currentBacklog: currentBacklog,
		updateShares:   updateShares,
		interval:       interval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	c.mu.staticShares = staticShares
	c.mu.shares = controlPoints[0].output
	go c.updateLoop()
	return c
}

func (c *Controller) updateLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.refresh()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) refresh() {
	b := c.currentBacklog()
	if BacklogDisabled(b) {
		// An unimplemented strategy disabled its tracker; give compaction the
		// maximum allocation so it cannot fall behind unobserved.
		b = NormalizationFactor
	}
	shares := sharesOfBacklog(b)
	c.mu.Lock()
	if c.mu.staticShares > 0 {
		shares = c.mu.staticShares
	}
	c.mu.shares = shares
	update := c.updateShares
	c.mu.Unlock()
	if update != nil {
		update(shares)
	}
}

// Shares returns the current allocation.
func (c *Controller) Shares() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.shares
}

// UpdateStaticShares pins the allocation to shares, or un-pins it when
// shares is 0.
func (c *Controller) UpdateStaticShares(shares float64) {
	c.mu.Lock()
	c.mu.staticShares = shares
	c.mu.Unlock()
	c.logger.Infof("compaction: updating static shares to %v", shares)
	c.refresh()
}

// Shutdown stops the feedback loop and joins it. Idempotent.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// BacklogOfShares returns the normalized backlog that would produce the
// given share allocation: the inverse of the control curve. Used to charge a
// synthetic backlog on behalf of user-initiated jobs.
func (c *Controller) BacklogOfShares(shares float64) float64 {
	return backlogOfShares(shares)
}

func sharesOfBacklog(b float64) float64 {
	pts := controlPoints
	if b <= pts[0].input {
		return pts[0].output
	}
	for i := 1; i < len(pts); i++ {
		if b <= pts[i].input {
			frac := (b - pts[i-1].input) / (pts[i].input - pts[i-1].input)
			return pts[i-1].output + frac*(pts[i].output-pts[i-1].output)
		}
	}
	return pts[len(pts)-1].output
}

func backlogOfShares(shares float64) float64 {
	pts := controlPoints
	if shares <= pts[0].output {
		return pts[0].input
	}
	for i := 1; i < len(pts); i++ {
		if shares <= pts[i].output {
			frac := (shares - pts[i-1].output) / (pts[i].output - pts[i-1].output)
			return pts[i-1].input + frac*(pts[i].input-pts[i-1].input)
		}
	}
	return pts[len(pts)-1].input
}
