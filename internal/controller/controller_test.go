// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/waldeilton/compactor/internal/base"
)

func TestControlCurveInverse(t *testing.T) {
	for _, shares := range []float64{50, 75, 100, 200, 550, 1000} {
		b := backlogOfShares(shares)
		require.InDelta(t, shares, sharesOfBacklog(b), 1e-9, "shares=%v", shares)
	}
	// Outside the curve the endpoints win.
	require.Equal(t, controlPoints[0].output, sharesOfBacklog(-1))
	require.Equal(t, controlPoints[len(controlPoints)-1].output, sharesOfBacklog(100))
}

func TestBacklogDisabledSentinel(t *testing.T) {
	require.True(t, BacklogDisabled(DisableBacklog))
	require.False(t, BacklogDisabled(0))
	require.False(t, BacklogDisabled(1e18))
}

func TestControllerStaticShares(t *testing.T) {
	c := New(base.NoopLogger{}, 0, time.Millisecond, func() float64 { return 0 }, nil)
	defer c.Shutdown()

	c.UpdateStaticShares(700)
	require.Equal(t, 700.0, c.Shares())

	// Un-pinning falls back to the curve for the current backlog.
	c.UpdateStaticShares(0)
	require.Equal(t, sharesOfBacklog(0), c.Shares())
}

func TestControllerTracksBacklog(t *testing.T) {
	backlog := make(chan float64, 1)
	backlog <- 1.5
	current := 1.5
	c := New(base.NoopLogger{}, 0, time.Millisecond, func() float64 {
		select {
		case current = <-backlog:
		default:
		}
		return current
	}, nil)
	defer c.Shutdown()

	require.Eventually(t, func() bool {
		return c.Shares() == sharesOfBacklog(1.5)
	}, 10*time.Second, time.Millisecond)

	backlog <- NormalizationFactor
	require.Eventually(t, func() bool {
		return c.Shares() == controlPoints[len(controlPoints)-1].output
	}, 10*time.Second, time.Millisecond)
}

func TestIOGroupUnlimited(t *testing.T) {
	g := NewIOGroup()
	require.Zero(t, g.Bandwidth())
	require.NoError(t, g.WaitN(context.Background(), 1<<30))
}

func TestIOGroupThrottles(t *testing.T) {
	g := NewIOGroup()
	g.UpdateBandwidth(1 << 20)
	require.Equal(t, uint64(1<<20), g.Bandwidth())

	// The initial burst covers one second of bandwidth.
	require.NoError(t, g.WaitN(context.Background(), 1<<20))

	// A drained bucket makes WaitN block; cancellation unblocks it.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.WaitN(ctx, 1<<20)
	}()
	select {
	case err := <-done:
		t.Fatalf("WaitN returned early: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	cancel()
	require.Error(t, <-done)

	// Lifting the cap unblocks everything.
	g.UpdateBandwidth(0)
	require.NoError(t, g.WaitN(context.Background(), 1<<30))
}

func TestIOGroupOversizedRequest(t *testing.T) {
	g := NewIOGroup()
	g.UpdateBandwidth(1 << 10)
	// Requests larger than one second of bandwidth run the bucket into debt
	// instead of blocking forever.
	require.NoError(t, g.WaitN(context.Background(), 1<<20))
}
