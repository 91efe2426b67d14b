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

// Package heartbeat evicts connections that stop answering and probes the
// ones that are still alive.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

const (
	// DefaultInterval is the probe interval.
	DefaultInterval = 30 * time.Second
	// StaleMultiplier is how many intervals may pass without a heartbeat
	// before a connection is evicted.
	StaleMultiplier = 3
	// ReasonStale is the close reason sent to evicted clients.
	ReasonStale = "stale connection"
)

// Registry is the part of the connection registry the monitor needs.
type Registry interface {
	Snapshot() []registry.Entry
	Remove(id string) *registry.Connection
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used to judge staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor periodically sweeps the registry.
type Monitor struct {
	reg      Registry
	interval time.Duration
	now      func() time.Time
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Evicted int
	Probed  int
	Failed  int
}

// New creates a new Monitor
func New(reg Registry, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		reg:      reg,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval returns the probe interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// StaleAfter returns the silence after which a connection is evicted.
func (m *Monitor) StaleAfter() time.Duration {
	return StaleMultiplier * m.interval
}

// Sweep evicts every connection silent for longer than StaleAfter and sends
// a heartbeat probe to the rest. Probing does not count as a heartbeat; only
// the client's reply does. A probe that cannot be written evicts the
// connection as well.
func (m *Monitor) Sweep() SweepResult {
	var res SweepResult

	now := m.now()
	limit := m.StaleAfter()

	probe, err := protocol.NewEvent(protocol.TypeHeartbeat, nil).Marshal()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode heartbeat probe")
		return res
	}

	for _, entry := range m.reg.Snapshot() {
		silence := now.Sub(entry.LastHeartbeat)
		if silence > limit {
			m.evict(entry, ReasonStale)
			log.Info().
				Str("connection_id", entry.ID).
				Str("remote_addr", entry.Client.RemoteAddr).
				Dur("silence", silence).
				Msg("Evicting stale connection")
			metrics.HeartbeatEvictionsTotal.Inc()
			res.Evicted++
			continue
		}

		if err := entry.Conn.Probe(probe); err != nil {
			if entry.Conn.Closed() {
				continue
			}
			m.evict(entry, "heartbeat send failed")
			log.Debug().Err(err).Str("connection_id", entry.ID).Msg("Heartbeat probe failed")
			res.Failed++
			continue
		}
		res.Probed++
	}
	return res
}

func (m *Monitor) evict(entry registry.Entry, reason string) {
	if conn := m.reg.Remove(entry.ID); conn != nil {
		_ = conn.Close(reason)
	}
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info().Dur("interval", m.interval).Msg("Heartbeat monitor started")
	err := wait.PollUntilContextCancel(ctx, m.interval, false, func(context.Context) (bool, error) {
		res := m.Sweep()
		if res.Evicted > 0 || res.Failed > 0 {
			log.Debug().
				Int("evicted", res.Evicted).
				Int("failed", res.Failed).
				Int("probed", res.Probed).
				Msg("Heartbeat sweep")
		}
		return false, nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
