// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurst(t *testing.T) {
	p := NewPool(3)
	for i := range 3 {
		require.True(t, p.Allow("k"), "request %d is inside the burst", i)
	}
	require.False(t, p.Allow("k"), "the fourth request exceeds the window")
}

func TestKeysAreIsolated(t *testing.T) {
	p := NewPool(1)
	require.True(t, p.Allow("a"))
	require.False(t, p.Allow("a"))
	require.True(t, p.Allow("b"), "exhausting one key must not starve another")
	require.Equal(t, 2, p.Len())
}

func TestZeroRateClampsToOne(t *testing.T) {
	p := NewPool(0)
	require.True(t, p.Allow("k"))
	require.False(t, p.Allow("k"))
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	p := NewPool(10)
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	for i := range sweepAt {
		p.Allow(fmt.Sprintf("old-%d", i))
	}
	require.Equal(t, sweepAt, p.Len())

	// Past the idle window every existing bucket is evictable; the next
	// insert sweeps them all.
	clock = clock.Add(idleEvict + time.Minute)
	p.Allow("fresh")
	require.Equal(t, 1, p.Len())
	require.True(t, p.Allow("fresh"), "the fresh bucket survives the sweep")
}
