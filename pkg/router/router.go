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

// Package router implements the per-connection inbound protocol: every frame
// a client sends is rate checked, decoded and dispatched here.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turtacn/biasalert-go/pkg/auth"
	"github.com/turtacn/biasalert-go/pkg/dashboard"
	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

// DefaultBanDuration is how long an address is banned after flooding.
const DefaultBanDuration = 5 * time.Minute

// ReasonRateLimited is the close reason sent to flooding clients.
const ReasonRateLimited = "rate limit exceeded"

// Registry is the part of the connection registry the router mutates.
type Registry interface {
	Get(id string) (registry.Info, bool)
	Subscribe(id string, channels []string, filters map[string]any) (registry.Info, bool)
	Unsubscribe(id string, channels []string) (registry.Info, bool)
	UpdateFilters(id string, filters map[string]any) (registry.Info, bool)
	Touch(id string, at time.Time) bool
	Remove(id string) *registry.Connection
}

// RateLimiter counts inbound frames per connection.
type RateLimiter interface {
	CheckAndRecord(id string) bool
}

// Banner bans remote addresses.
type Banner interface {
	Ban(addr string, duration time.Duration, reason string)
}

// Authenticator is the auth gate as seen by the router.
type Authenticator interface {
	Allowed(info registry.Info) bool
	Permitted(info registry.Info, permission string) bool
	Authenticate(ctx context.Context, id, token, claimedUserID string) (auth.Identity, error)
}

// Options wires a Router.
type Options struct {
	Registry  Registry
	Limiter   RateLimiter
	Bans      Banner
	Gate      Authenticator
	Dashboard dashboard.Provider

	// Channels lists the channel names clients may subscribe to. Defaults
	// to protocol.DefaultChannels.
	Channels []string
	// BanDuration defaults to DefaultBanDuration.
	BanDuration time.Duration
	// Now overrides the clock used for heartbeats.
	Now func() time.Time
}

// Router dispatches inbound frames.
type Router struct {
	reg         Registry
	limiter     RateLimiter
	bans        Banner
	gate        Authenticator
	dashboard   dashboard.Provider
	channels    map[string]bool
	banDuration time.Duration
	now         func() time.Time
}

// New creates a new Router
func New(opts Options) *Router {
	channels := opts.Channels
	if len(channels) == 0 {
		channels = protocol.DefaultChannels
	}
	r := &Router{
		reg:         opts.Registry,
		limiter:     opts.Limiter,
		bans:        opts.Bans,
		gate:        opts.Gate,
		dashboard:   opts.Dashboard,
		channels:    make(map[string]bool, len(channels)),
		banDuration: opts.BanDuration,
		now:         opts.Now,
	}
	for _, ch := range channels {
		r.channels[ch] = true
	}
	if r.banDuration <= 0 {
		r.banDuration = DefaultBanDuration
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.dashboard == nil {
		r.dashboard = dashboard.Unavailable()
	}
	return r
}

// Handle processes one frame received on conn. It reports whether the
// connection is still open; false means the caller must stop reading.
func (r *Router) Handle(ctx context.Context, conn *registry.Connection, frame []byte) bool {
	if conn.Closed() {
		return false
	}
	if r.limiter != nil && !r.limiter.CheckAndRecord(conn.ID) {
		r.rateLimited(conn)
		return false
	}

	msg, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownType) {
		metrics.MessagesReceivedTotal.WithLabelValues("unknown").Inc()
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Ignoring unknown message type")
		return true
	}
	if err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("invalid").Inc()
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Rejecting malformed frame")
		return r.reply(conn, protocol.NewError(protocol.MsgInvalidFormat))
	}
	metrics.MessagesReceivedTotal.WithLabelValues(msg.Type()).Inc()

	info, ok := r.reg.Get(conn.ID)
	if !ok {
		return false
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		return r.subscribe(conn, info, m)
	case protocol.Unsubscribe:
		r.reg.Unsubscribe(conn.ID, m.Channels)
		return r.reply(conn, protocol.NewEvent(protocol.TypeUnsubscriptionConfirmed, map[string]any{
			"channels": m.Channels,
		}))
	case protocol.UpdateSubscription:
		updated, _ := r.reg.UpdateFilters(conn.ID, m.Filters)
		return r.reply(conn, protocol.NewEvent(protocol.TypeSubscriptionUpdated, map[string]any{
			"filters": updated.Filters,
		}))
	case protocol.Heartbeat:
		r.reg.Touch(conn.ID, r.now())
		return r.reply(conn, protocol.NewEvent(protocol.TypeHeartbeatResponse, nil))
	case protocol.HeartbeatResponse:
		r.reg.Touch(conn.ID, r.now())
		return true
	case protocol.Authenticate:
		return r.authenticate(ctx, conn, m)
	case protocol.GetDashboardData:
		return r.dashboardData(ctx, conn, info, m)
	}
	return true
}

func (r *Router) subscribe(conn *registry.Connection, info registry.Info, m protocol.Subscribe) bool {
	if r.gate != nil && !r.gate.Allowed(info) {
		return r.reply(conn, protocol.NewError(protocol.MsgAuthRequired))
	}

	accepted := make([]string, 0, len(m.Channels))
	seen := make(map[string]bool, len(m.Channels))
	denied := 0
	for _, ch := range m.Channels {
		if !r.channels[ch] || seen[ch] {
			continue
		}
		seen[ch] = true
		if r.gate != nil && !r.gate.Permitted(info, auth.ChannelPermission(ch)) {
			denied++
			continue
		}
		accepted = append(accepted, ch)
	}
	if len(accepted) == 0 {
		if denied > 0 {
			return r.reply(conn, protocol.NewError(protocol.MsgPermissionDenied))
		}
		return r.reply(conn, protocol.NewError(protocol.MsgNoValidChannels))
	}

	updated, ok := r.reg.Subscribe(conn.ID, accepted, m.Filters)
	if !ok {
		return false
	}
	log.Debug().Str("connection_id", conn.ID).Strs("channels", accepted).Msg("Subscribed")
	return r.reply(conn, protocol.NewEvent(protocol.TypeSubscriptionConfirmed, map[string]any{
		"channels": accepted,
		"filters":  updated.Filters,
	}))
}

func (r *Router) authenticate(ctx context.Context, conn *registry.Connection, m protocol.Authenticate) bool {
	if r.gate == nil {
		return r.reply(conn, protocol.NewEvent(protocol.TypeAuthenticationFailed, map[string]any{
			"message": protocol.MsgAuthFailed,
		}))
	}

	identity, err := r.gate.Authenticate(ctx, conn.ID, m.Token, m.UserID)
	if err != nil {
		return r.reply(conn, protocol.NewEvent(protocol.TypeAuthenticationFailed, map[string]any{
			"message": protocol.MsgAuthFailed,
		}))
	}
	return r.reply(conn, protocol.NewEvent(protocol.TypeAuthenticationSuccess, map[string]any{
		"userId":      identity.UserID,
		"permissions": identity.Permissions,
	}))
}

func (r *Router) dashboardData(ctx context.Context, conn *registry.Connection, info registry.Info, m protocol.GetDashboardData) bool {
	if r.gate != nil && !r.gate.Allowed(info) {
		return r.reply(conn, protocol.NewError(protocol.MsgAuthRequired))
	}
	if r.gate != nil && !r.gate.Permitted(info, auth.PermissionDashboard) {
		return r.reply(conn, protocol.NewError(protocol.MsgPermissionDenied))
	}

	data, err := r.dashboard.GetDashboardData(ctx, m.Filters)
	if err != nil {
		metrics.DashboardRequestsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("Dashboard data request failed")
		return r.reply(conn, protocol.NewError(protocol.MsgDashboardFailed))
	}
	metrics.DashboardRequestsTotal.WithLabelValues("success").Inc()
	return r.reply(conn, protocol.NewEvent(protocol.TypeDashboardData, data))
}

func (r *Router) rateLimited(conn *registry.Connection) {
	addr := conn.Client.RemoteAddr
	if r.bans != nil {
		r.bans.Ban(addr, r.banDuration, ReasonRateLimited)
	}
	metrics.RateLimitViolationsTotal.Inc()
	log.Warn().
		Str("connection_id", conn.ID).
		Str("remote_addr", addr).
		Dur("ban", r.banDuration).
		Msg("Rate limit exceeded, banning address")

	if removed := r.reg.Remove(conn.ID); removed != nil {
		_ = removed.Close(ReasonRateLimited)
	}
}

// reply sends ev to conn. A failed write removes the connection.
func (r *Router) reply(conn *registry.Connection, ev protocol.Event) bool {
	payload, err := ev.Marshal()
	if err != nil {
		log.Error().Err(err).Str("event", ev.Type).Msg("Failed to encode reply")
		return true
	}
	if err := conn.Send(payload); err != nil {
		if !errors.Is(err, registry.ErrConnectionClosed) {
			log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Reply failed, dropping connection")
		}
		if removed := r.reg.Remove(conn.ID); removed != nil {
			_ = removed.Close("send failed")
		}
		return false
	}
	return true
}
