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

// Package ratelimit provides the per-connection inbound message limiter and
// the per-address handshake guard.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMaxMessages is the number of inbound frames a connection may send
	// per window.
	DefaultMaxMessages = 60
	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Minute
)

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter is a sliding-window counter keyed by connection id.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// New creates a new Limiter allowing max events per window. Non-positive
// arguments fall back to the defaults.
func New(max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		windows: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord records an event for id and reports whether it is within
// the limit. The event is recorded even when it is not allowed, so a client
// that keeps sending stays over the limit.
func (l *Limiter) CheckAndRecord(id string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := append(l.windows[id], now)

	// Timestamps are appended in order, so drop the expired prefix.
	keep := 0
	for keep < len(stamps) && !stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		stamps = append(stamps[:0], stamps[keep:]...)
	}
	l.windows[id] = stamps

	return len(stamps) <= l.max
}

// Forget discards the window for id.
func (l *Limiter) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, id)
}

// Tracked returns the number of ids with a live window.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
