// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package controller

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// IOGroup rations disk bandwidth to the compactions running under it. A
// token is a byte; UpdateBandwidth(0) removes the cap.
type IOGroup struct {
	mu struct {
		sync.Mutex
		limiter   tokenbucket.TokenBucket
		bytesPS   uint64
		unlimited bool
	}
}

// NewIOGroup returns an unthrottled group.
func NewIOGroup() *IOGroup {
	g := &IOGroup{}
	g.mu.unlimited = true
	return g
}

// UpdateBandwidth reconfigures the cap to bytesPerSec; 0 means unlimited.
// The burst equals one second of bandwidth, as for deletion pacing.
func (g *IOGroup) UpdateBandwidth(bytesPerSec uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mu.bytesPS = bytesPerSec
	g.mu.unlimited = bytesPerSec == 0
	if !g.mu.unlimited {
		g.mu.limiter.Init(
			tokenbucket.TokensPerSecond(bytesPerSec),
			tokenbucket.Tokens(bytesPerSec),
		)
	}
}

// Bandwidth returns the current cap in bytes/sec, 0 when unlimited.
func (g *IOGroup) Bandwidth() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mu.unlimited {
		return 0
	}
	return g.mu.bytesPS
}

// WaitN blocks until n bytes of bandwidth are available or ctx is done.
// Requests larger than the burst are fulfilled by letting the bucket go into
// debt rather than blocking forever.
func (g *IOGroup) WaitN(ctx context.Context, n uint64) error {
	for {
		g.mu.Lock()
		if g.mu.unlimited {
			g.mu.Unlock()
			return nil
		}
		if n > g.mu.bytesPS {
			g.mu.limiter.Adjust(-tokenbucket.Tokens(n))
			g.mu.Unlock()
			return nil
		}
		ok, d := g.mu.limiter.TryToFulfill(tokenbucket.Tokens(n))
		g.mu.Unlock()
		if ok {
			return nil
		}
		if d == 0 {
			d = time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-timer.C:
		}
	}
}
