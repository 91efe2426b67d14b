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

// Package registry tracks every live client connection together with its
// subscriptions, filters, authentication state and liveness timestamp.
//
// All mutable per-connection state is guarded by a single registry mutex and
// every mutation is a single step under that lock. Socket writes never happen
// while the lock is held; visitors run over a snapshot taken under the lock.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCapacity is returned by Admit when the connection limit is reached.
	ErrCapacity = errors.New("connection limit reached")
	// ErrBanned is returned by Admit when the remote address is banned.
	ErrBanned = errors.New("remote address is banned")
)

// BanChecker reports whether a remote address is currently refused.
type BanChecker interface {
	IsBanned(addr string) bool
}

// Options configures a Registry.
type Options struct {
	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int
	// AuthRequired makes new connections start unauthenticated.
	AuthRequired bool
	// Bans is consulted on admission. Optional.
	Bans BanChecker
	// OnRemove is called, outside the registry lock, with the final state of
	// every removed connection.
	OnRemove func(Info)
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
	// NewID overrides connection id generation. Defaults to random UUIDs.
	NewID func() string
}

// Registry is the set of admitted connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	opts  Options
}

// Stats summarises the registry.
type Stats struct {
	Connections   int            `json:"connections"`
	Authenticated int            `json:"authenticated"`
	Channels      map[string]int `json:"channels"`
}

// New creates a new Registry
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Registry{
		conns: make(map[string]*Connection),
		opts:  opts,
	}
}

// AuthRequired reports whether connections must authenticate before
// subscribing.
func (r *Registry) AuthRequired() bool {
	return r.opts.AuthRequired
}

// Admit registers a new connection for transport. The connection starts with
// no subscriptions, a fresh heartbeat timestamp and is authenticated only when
// authentication is not required.
func (r *Registry) Admit(t Transport, client ClientInfo) (*Connection, error) {
	if r.opts.Bans != nil && r.opts.Bans.IsBanned(client.RemoteAddr) {
		return nil, ErrBanned
	}

	now := r.opts.Now()
	conn := &Connection{
		ID:            r.opts.NewID(),
		Client:        client,
		ConnectedAt:   now,
		transport:     t,
		channels:      make(map[string]struct{}),
		filters:       make(map[string]any),
		lastHeartbeat: now,
		authenticated: !r.opts.AuthRequired,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections {
		return nil, ErrCapacity
	}
	r.conns[conn.ID] = conn
	return conn, nil
}

// Remove detaches the connection with the given id and marks it closed so it
// never receives another send. It returns the removed connection, or nil when
// the id is unknown, leaving the transport for the caller to close. Removing
// twice is a no-op.
func (r *Registry) Remove(id string) *Connection {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, id)
	conn.closed.Store(true)
	info := conn.snapshot()
	r.mu.Unlock()

	if r.opts.OnRemove != nil {
		r.opts.OnRemove(info)
	}
	return conn
}

// Subscribe adds channels to the connection and merges filters into its
// filter record, later keys overriding earlier ones. It returns the updated
// state, or false when the id is unknown.
func (r *Registry) Subscribe(id string, channels []string, filters map[string]any) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	for _, ch := range channels {
		conn.channels[ch] = struct{}{}
	}
	for k, v := range filters {
		conn.filters[k] = v
	}
	return conn.snapshot(), true
}

// Unsubscribe removes channels from the connection. Channels it never
// subscribed to are ignored.
func (r *Registry) Unsubscribe(id string, channels []string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	for _, ch := range channels {
		delete(conn.channels, ch)
	}
	return conn.snapshot(), true
}

// UpdateFilters merges filters without changing subscriptions.
func (r *Registry) UpdateFilters(id string, filters map[string]any) (Info, bool) {
	return r.Subscribe(id, nil, filters)
}

// SetAuthenticated marks the connection authenticated as userID.
func (r *Registry) SetAuthenticated(id, userID string, permissions []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.authenticated = true
	conn.userID = userID
	conn.permissions = append([]string(nil), permissions...)
	return true
}

// Touch records a heartbeat from the connection at the given time.
func (r *Registry) Touch(id string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.lastHeartbeat = at
	return true
}

// Get returns a snapshot of the connection's state.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	return conn.snapshot(), true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns every live connection with its current state.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.conns))
	for _, conn := range r.conns {
		entries = append(entries, Entry{Info: conn.snapshot(), Conn: conn})
	}
	return entries
}

// ForEachSubscriber calls visit once for every authenticated connection
// subscribed to channel. Visit order is unspecified. The set is captured
// before the first call, so visit may remove connections.
func (r *Registry) ForEachSubscriber(channel string, visit func(Entry)) {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.conns))
	for _, conn := range r.conns {
		if !conn.authenticated {
			continue
		}
		if _, ok := conn.channels[channel]; !ok {
			continue
		}
		entries = append(entries, Entry{Info: conn.snapshot(), Conn: conn})
	}
	r.mu.RUnlock()

	for _, e := range entries {
		visit(e)
	}
}

// Stats returns connection and per-channel subscriber counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Connections: len(r.conns),
		Channels:    make(map[string]int),
	}
	for _, conn := range r.conns {
		if conn.authenticated {
			stats.Authenticated++
		}
		for ch := range conn.channels {
			stats.Channels[ch]++
		}
	}
	return stats
}

// CloseAll removes and closes every connection with the given reason. It
// returns the number of connections closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if conn := r.Remove(id); conn != nil {
			_ = conn.Close(reason)
			closed++
		}
	}
	return closed
}
