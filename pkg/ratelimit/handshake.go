// Copyright 2023 The biasalert-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HandshakeGuard throttles connection attempts per remote address with a
// token bucket. A guard built with a zero rate allows everything.
type HandshakeGuard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewHandshakeGuard creates a new HandshakeGuard allowing perSecond attempts
// per address with the given burst.
func NewHandshakeGuard(perSecond float64, burst int) *HandshakeGuard {
	if burst <= 0 {
		burst = 1
	}
	return &HandshakeGuard{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether the guard throttles at all.
func (g *HandshakeGuard) Enabled() bool {
	return g != nil && g.limit > 0
}

// Allow consumes one token for addr.
func (g *HandshakeGuard) Allow(addr string) bool {
	if !g.Enabled() {
		return true
	}

	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[addr] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Prune drops buckets idle for longer than idle and returns how many were
// dropped.
func (g *HandshakeGuard) Prune(idle time.Duration) int {
	if !g.Enabled() {
		return 0
	}
	cutoff := g.now().Add(-idle)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for addr, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, addr)
			removed++
		}
	}
	return removed
}
