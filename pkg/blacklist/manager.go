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

// Package blacklist keeps the set of remote addresses that may not connect:
// temporary bans issued for abuse, and static deny entries from configuration.
package blacklist

import (
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// EntryKind distinguishes temporary bans from configured deny entries.
type EntryKind string

const (
	// KindBan is a temporary ban with an expiry.
	KindBan EntryKind = "ban"
	// KindStatic is a configured deny entry that never expires.
	KindStatic EntryKind = "static"
)

// maxRecentBlocks bounds the refused-admission history kept in Stats.
const maxRecentBlocks = 100

// ErrInvalidAddress is returned for deny entries that are neither an IP
// address nor a CIDR range.
var ErrInvalidAddress = errors.New("invalid address or CIDR")

// Entry is one banned address or range.
type Entry struct {
	Value     string     `json:"value"`
	Kind      EntryKind  `json:"kind"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	network *net.IPNet
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Block records one refused lookup.
type Block struct {
	Timestamp time.Time `json:"timestamp"`
	Addr      string    `json:"addr"`
	Entry     string    `json:"entry"`
	Reason    string    `json:"reason,omitempty"`
}

// Stats summarises the ban list.
type Stats struct {
	ActiveBans    int       `json:"active_bans"`
	StaticEntries int       `json:"static_entries"`
	TotalBans     int64     `json:"total_bans"`
	TotalBlocks   int64     `json:"total_blocks"`
	RecentBlocks  []Block   `json:"recent_blocks"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Option configures a BanList.
type Option func(*BanList)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *BanList) {
		b.now = now
	}
}

// BanList maps remote addresses to ban records. All methods are safe for
// concurrent use.
type BanList struct {
	mu sync.Mutex

	// Exact address entries, both temporary and static.
	addrs map[string]*Entry
	// Static CIDR ranges.
	networks []*Entry

	stats Stats
	now   func() time.Time
}

// New creates a new BanList
func New(opts ...Option) *BanList {
	b := &BanList{
		addrs: make(map[string]*Entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.stats.RecentBlocks = make([]Block, 0, maxRecentBlocks)
	b.stats.LastUpdated = b.now()
	return b
}

// Ban refuses addr for duration. A later ban overwrites an earlier one, so
// the expiry is always now + duration of the most recent call. Static entries
// are never downgraded to temporary ones. Non-positive durations are ignored.
func (b *BanList) Ban(addr string, duration time.Duration, reason string) {
	if addr == "" || duration <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.addrs[addr]; ok && existing.Kind == KindStatic {
		return
	}

	now := b.now()
	expires := now.Add(duration)
	b.addrs[addr] = &Entry{
		Value:     addr,
		Kind:      KindBan,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: &expires,
	}
	b.stats.TotalBans++
	b.stats.LastUpdated = now
}

// Unban lifts a temporary ban. It reports whether one was present.
func (b *BanList) Unban(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.addrs[addr]
	if !ok || entry.Kind != KindBan {
		return false
	}
	delete(b.addrs, addr)
	b.stats.LastUpdated = b.now()
	return true
}

// AddStatic adds a permanent deny entry. value is an IP address or a CIDR
// range.
func (b *BanList) AddStatic(value, reason string) error {
	value = strings.TrimSpace(value)
	entry := &Entry{Value: value, Kind: KindStatic, Reason: reason}

	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return ErrInvalidAddress
		}
		entry.network = network
	} else if net.ParseIP(value) == nil {
		return ErrInvalidAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry.CreatedAt = b.now()
	if entry.network != nil {
		b.networks = append(b.networks, entry)
	} else {
		b.addrs[value] = entry
	}
	b.stats.LastUpdated = entry.CreatedAt
	return nil
}

// IsBanned reports whether addr is refused right now. An expired ban found
// during the lookup is purged.
func (b *BanList) IsBanned(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if entry, ok := b.addrs[addr]; ok {
		if entry.expired(now) {
			delete(b.addrs, addr)
		} else {
			b.recordBlock(now, addr, entry)
			return true
		}
	}

	if len(b.networks) > 0 {
		if ip := net.ParseIP(addr); ip != nil {
			for _, entry := range b.networks {
				if entry.network.Contains(ip) {
					b.recordBlock(now, addr, entry)
					return true
				}
			}
		}
	}

	return false
}

// CleanupExpired removes expired bans and returns how many were removed.
func (b *BanList) CleanupExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for addr, entry := range b.addrs {
		if entry.expired(now) {
			delete(b.addrs, addr)
			removed++
		}
	}
	if removed > 0 {
		b.stats.LastUpdated = now
	}
	return removed
}

// List returns the active entries ordered by value.
func (b *BanList) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	result := make([]Entry, 0, len(b.addrs)+len(b.networks))
	for _, entry := range b.addrs {
		if !entry.expired(now) {
			result = append(result, *entry)
		}
	}
	for _, entry := range b.networks {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Value < result[j].Value })
	return result
}

// Stats returns a copy of the current statistics.
func (b *BanList) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stats := b.stats
	stats.ActiveBans = 0
	stats.StaticEntries = len(b.networks)
	for _, entry := range b.addrs {
		switch {
		case entry.Kind == KindStatic:
			stats.StaticEntries++
		case !entry.expired(now):
			stats.ActiveBans++
		}
	}
	stats.RecentBlocks = make([]Block, len(b.stats.RecentBlocks))
	copy(stats.RecentBlocks, b.stats.RecentBlocks)
	return stats
}

// recordBlock must be called with b.mu held.
func (b *BanList) recordBlock(now time.Time, addr string, entry *Entry) {
	b.stats.TotalBlocks++
	b.stats.RecentBlocks = append(b.stats.RecentBlocks, Block{
		Timestamp: now,
		Addr:      addr,
		Entry:     entry.Value,
		Reason:    entry.Reason,
	})
	if len(b.stats.RecentBlocks) > maxRecentBlocks {
		b.stats.RecentBlocks = b.stats.RecentBlocks[1:]
	}
	b.stats.LastUpdated = now
}
