// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package ratelimit keeps per-key token buckets for the HTTP surfaces. Keys
// are opaque: the data plane buckets by API key hash, the management
// surface by user id, login by client address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// idleEvict is how long a bucket may go unused before a sweep drops it.
	idleEvict = 10 * time.Minute
	// sweepAt triggers a sweep when the pool grows past this many entries.
	sweepAt = 4096
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Pool keeps one token bucket per key. Entries are swept lazily on insert
// once the pool grows past sweepAt, so a quiet pool costs nothing.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// NewPool builds a pool allowing perMinute requests per key with a
// full-window burst. perMinute below one is clamped to one.
func NewPool(perMinute int) *Pool {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Pool{
		entries: make(map[string]*entry),
		rate:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		now:     time.Now,
	}
}

// Allow reports whether key may proceed, consuming one token when it may.
func (p *Pool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		if len(p.entries) >= sweepAt {
			p.sweepLocked()
		}
		e = &entry{lim: rate.NewLimiter(p.rate, p.burst)}
		p.entries[key] = e
	}
	e.lastSeen = p.now()
	return e.lim.Allow()
}

func (p *Pool) sweepLocked() {
	cutoff := p.now().Add(-idleEvict)
	for k, e := range p.entries {
		if e.lastSeen.Before(cutoff) {
			delete(p.entries, k)
		}
	}
}

// Len reports the live bucket count, for the rate-limiter gauge.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
