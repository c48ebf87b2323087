// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package revocation tracks revoked JWT ids until their natural expiry.
// Logout and refresh-rotation insert; every authenticated management request
// reads. Entries are process-local, like the sessions they invalidate.
package revocation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepInterval is how often expired entries are purged.
const SweepInterval = 5 * time.Minute

// Set is a concurrency-safe jti → expiry map.
type Set struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{entries: make(map[string]time.Time), now: time.Now}
}

// Revoke marks jti revoked until expiresAt, after which the token is dead on
// its own and the entry can be dropped.
func (s *Set) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	s.mu.Lock()
	s.entries[jti] = expiresAt
	s.mu.Unlock()
}

// Revoked reports whether jti has been revoked and is still within its
// original lifetime.
func (s *Set) Revoked(jti string) bool {
	s.mu.RLock()
	exp, ok := s.entries[jti]
	s.mu.RUnlock()
	return ok && s.now().Before(exp)
}

// Len reports the number of tracked entries, live and expired.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep drops entries past their expiry and reports how many were removed.
func (s *Set) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for jti, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, jti)
			removed++
		}
	}
	return removed
}

// Start sweeps every interval until ctx is done. Zero interval means
// SweepInterval.
func (s *Set) Start(ctx context.Context, interval time.Duration, l *slog.Logger) {
	if interval <= 0 {
		interval = SweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(); removed > 0 && l.Enabled(ctx, slog.LevelDebug) {
					l.Debug("swept revocation entries", slog.Int("removed", removed))
				}
			}
		}
	}()
}
