// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package revocation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRevoke(t *testing.T) {
	s := NewSet()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.False(t, s.Revoked("a"))
	s.Revoke("a", now.Add(time.Hour))
	require.True(t, s.Revoked("a"))
	require.False(t, s.Revoked("b"))

	// expired entries no longer count as revoked
	now = now.Add(2 * time.Hour)
	require.False(t, s.Revoked("a"))
}

func TestRevokeEmptyJTIIsNoop(t *testing.T) {
	s := NewSet()
	s.Revoke("", time.Now().Add(time.Hour))
	require.Zero(t, s.Len())
}

func TestSweep(t *testing.T) {
	s := NewSet()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Revoke("live", now.Add(time.Hour))
	s.Revoke("dead1", now.Add(-time.Minute))
	s.Revoke("dead2", now) // boundary: expiry == now is dead
	require.Equal(t, 3, s.Len())

	require.Equal(t, 2, s.Sweep())
	require.Equal(t, 1, s.Len())
	require.True(t, s.Revoked("live"))
}

func TestConcurrentAccess(t *testing.T) {
	s := NewSet()
	exp := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			jti := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				s.Revoke(jti, exp)
				s.Revoked(jti)
				s.Sweep()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 8, s.Len())
}
