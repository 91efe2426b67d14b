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

package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned when sending to a connection that has
// already been removed from the registry.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the outbound half of a client socket. Implementations need not
// be safe for concurrent use; Connection serialises every call.
type Transport interface {
	// Send writes one complete text frame.
	Send(data []byte) error
	// Close terminates the socket, passing reason to the peer when possible.
	Close(reason string) error
}

// ClientInfo describes the peer at admission time.
type ClientInfo struct {
	RemoteAddr string `json:"remote_addr"`
	UserAgent  string `json:"user_agent,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

// Connection is a single admitted client. Its identity fields are fixed at
// admission; subscription and auth state live in the registry and are read
// through Info snapshots.
type Connection struct {
	ID          string
	Client      ClientInfo
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	// Guarded by Registry.mu.
	channels      map[string]struct{}
	filters       map[string]any
	lastHeartbeat time.Time
	authenticated bool
	userID        string
	permissions   []string
}

// Send writes data to the client. Writes are serialised so frames from
// concurrent publishers never interleave, and a connection that has been
// removed refuses further sends.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.transport.Send(data)
}

// Pinger is implemented by transports with a native liveness probe, such as
// WebSocket ping frames.
type Pinger interface {
	Ping() error
}

// Probe sends a liveness probe: a native ping when the transport supports
// one, followed by payload.
func (c *Connection) Probe(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if p, ok := c.transport.(Pinger); ok {
		if err := p.Ping(); err != nil {
			return err
		}
	}
	return c.transport.Send(payload)
}

// Close closes the underlying transport exactly once and marks the connection
// closed. It is safe to call from any goroutine.
func (c *Connection) Close(reason string) error {
	c.closed.Store(true)

	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close(reason)
	})
	return err
}

// Closed reports whether the connection has been removed or closed.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Info is a point-in-time copy of a connection's mutable state.
type Info struct {
	ID            string         `json:"id"`
	Client        ClientInfo     `json:"client"`
	ConnectedAt   time.Time      `json:"connected_at"`
	Channels      []string       `json:"channels"`
	Filters       map[string]any `json:"filters,omitempty"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Authenticated bool           `json:"authenticated"`
	UserID        string         `json:"user_id,omitempty"`
	Permissions   []string       `json:"permissions,omitempty"`
}

// Entry pairs a connection with a snapshot of its state, as handed to
// registry visitors.
type Entry struct {
	Info
	Conn *Connection
}

// HasPermission reports whether the snapshot carries the named permission.
// A granted permission ending in "*" matches every permission with that
// prefix, so "read:*" covers "read:bias_alerts".
func (i Info) HasPermission(p string) bool {
	for _, have := range i.Permissions {
		if have == p {
			return true
		}
		if prefix, ok := strings.CutSuffix(have, "*"); ok && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Subscribed reports whether the snapshot includes channel.
func (i Info) Subscribed(channel string) bool {
	for _, ch := range i.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// snapshot must be called with the registry lock held.
func (c *Connection) snapshot() Info {
	info := Info{
		ID:            c.ID,
		Client:        c.Client,
		ConnectedAt:   c.ConnectedAt,
		Channels:      make([]string, 0, len(c.channels)),
		LastHeartbeat: c.lastHeartbeat,
		Authenticated: c.authenticated,
		UserID:        c.userID,
	}
	for ch := range c.channels {
		info.Channels = append(info.Channels, ch)
	}
	sort.Strings(info.Channels)
	if len(c.filters) > 0 {
		info.Filters = make(map[string]any, len(c.filters))
		for k, v := range c.filters {
			info.Filters[k] = v
		}
	}
	if len(c.permissions) > 0 {
		info.Permissions = append([]string(nil), c.permissions...)
	}
	return info
}
