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

package server

import (
	"time"

	"github.com/turtacn/biasalert-go/pkg/admin"
	"github.com/turtacn/biasalert-go/pkg/blacklist"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

// adminBackend exposes the server to the admin API.
type adminBackend struct {
	s        *Server
	channels map[string]bool
}

func newAdminBackend(s *Server) *adminBackend {
	b := &adminBackend{s: s, channels: make(map[string]bool, len(s.cfg.Server.Channels))}
	for _, ch := range s.cfg.Server.Channels {
		b.channels[ch] = true
	}
	return b
}

func (b *adminBackend) Stats() any {
	return b.s.Stats()
}

func (b *adminBackend) Connections() []registry.Info {
	entries := b.s.registry.Snapshot()
	infos := make([]registry.Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info)
	}
	return infos
}

func (b *adminBackend) Disconnect(id, reason string) error {
	conn := b.s.registry.Remove(id)
	if conn == nil {
		return admin.ErrNotFound
	}
	return conn.Close(reason)
}

func (b *adminBackend) Bans() []blacklist.Entry {
	return b.s.bans.List()
}

func (b *adminBackend) Ban(addr string, duration time.Duration, reason string) int {
	b.s.bans.Ban(addr, duration, reason)

	closed := 0
	for _, e := range b.s.registry.Snapshot() {
		if e.Client.RemoteAddr != addr {
			continue
		}
		if conn := b.s.registry.Remove(e.ID); conn != nil {
			_ = conn.Close(reason)
			closed++
		}
	}
	return closed
}

func (b *adminBackend) Unban(addr string) error {
	if !b.s.bans.Unban(addr) {
		return admin.ErrNotFound
	}
	return nil
}

func (b *adminBackend) Publish(channel string, ev protocol.Event) (int, error) {
	if !b.channels[channel] {
		return 0, admin.ErrUnknownChannel
	}
	return b.s.engine.Publish(channel, ev), nil
}
