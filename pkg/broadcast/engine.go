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

// Package broadcast fans domain events out to the connections subscribed to
// a channel.
//
// Delivery is push-only, best-effort and at-most-once. Each event is encoded
// once per publish and written synchronously to every matching connection;
// a connection whose write fails is removed and closed, and the failure is
// never reported to the publisher.
package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

// Subscribers is the part of the connection registry the engine reads.
type Subscribers interface {
	ForEachSubscriber(channel string, visit func(registry.Entry))
	Remove(id string) *registry.Connection
}

// Predicate decides whether one subscriber receives one event.
type Predicate func(info registry.Info, ev protocol.Event) bool

// Publisher is implemented by anything producers can publish through.
type Publisher interface {
	Publish(channel string, ev protocol.Event, preds ...Predicate) int
}

// Engine delivers events to channel subscribers.
type Engine struct {
	subs Subscribers

	mu       sync.RWMutex
	defaults map[string][]Predicate
}

// New creates a new Engine. The bias_alerts channel filters on each
// subscriber's alert level preference by default.
func New(subs Subscribers) *Engine {
	e := &Engine{
		subs:     subs,
		defaults: make(map[string][]Predicate),
	}
	e.SetChannelFilters(protocol.ChannelBiasAlerts, AlertLevelFilter)
	return e
}

// SetChannelFilters replaces the predicates applied to every publish on
// channel.
func (e *Engine) SetChannelFilters(channel string, preds ...Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(preds) == 0 {
		delete(e.defaults, channel)
		return
	}
	e.defaults[channel] = append([]Predicate(nil), preds...)
}

// Publish sends ev to every authenticated subscriber of channel for which
// the channel's default predicates and preds all hold. It returns the
// number of connections the event was written to.
func (e *Engine) Publish(channel string, ev protocol.Event, preds ...Predicate) int {
	start := time.Now()
	metrics.EventsPublishedTotal.WithLabelValues(channel).Inc()

	payload, err := ev.Marshal()
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Str("event", ev.Type).Msg("Failed to encode event")
		return 0
	}

	e.mu.RLock()
	all := append(append([]Predicate(nil), e.defaults[channel]...), preds...)
	e.mu.RUnlock()

	delivered := 0
	e.subs.ForEachSubscriber(channel, func(entry registry.Entry) {
		for _, pred := range all {
			if !pred(entry.Info, ev) {
				return
			}
		}

		if err := entry.Conn.Send(payload); err != nil {
			if entry.Conn.Closed() {
				// Removed concurrently; nothing to clean up.
				return
			}
			metrics.SendFailuresTotal.WithLabelValues(channel).Inc()
			log.Warn().
				Err(err).
				Str("connection_id", entry.ID).
				Str("channel", channel).
				Msg("Delivery failed, dropping connection")
			if conn := e.subs.Remove(entry.ID); conn != nil {
				_ = conn.Close("send failed")
			}
			return
		}
		delivered++
	})

	metrics.DeliveriesTotal.WithLabelValues(channel).Add(float64(delivered))
	metrics.PublishDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	return delivered
}

// BroadcastBiasAlert publishes an alert on the bias_alerts channel.
func (e *Engine) BroadcastBiasAlert(alert BiasAlert) int {
	ev := protocol.NewEvent(protocol.TypeBiasAlert, alert).WithSession(alert.SessionID)
	return e.Publish(protocol.ChannelBiasAlerts, ev)
}

// BroadcastDashboardUpdate publishes refreshed dashboard data.
func (e *Engine) BroadcastDashboardUpdate(data any) int {
	return e.Publish(protocol.ChannelDashboardUpdates, protocol.NewEvent(protocol.TypeDashboardUpdate, data))
}

// BroadcastSystemStatus publishes a system status change.
func (e *Engine) BroadcastSystemStatus(status SystemStatus) int {
	return e.Publish(protocol.ChannelSystemStatus, protocol.NewEvent(protocol.TypeSystemStatus, status))
}

// BroadcastAnalysisComplete publishes the outcome of a finished analysis.
func (e *Engine) BroadcastAnalysisComplete(result AnalysisComplete) int {
	ev := protocol.NewEvent(protocol.TypeAnalysisComplete, result).WithSession(result.SessionID)
	return e.Publish(protocol.ChannelAnalysisComplete, ev)
}
