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

// Package protocol defines the JSON wire format spoken between the bias alert
// server and its WebSocket clients. Every frame, in both directions, is an
// object envelope of the form
//
//	{"type": "...", "timestamp": "...", "sessionId": "...", "data": {...}}
//
// Inbound frames are decoded into a closed set of Message variants; anything
// that does not match a known variant is rejected at the boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Server to client message types.
const (
	TypeConnectionStatus        = "connection_status"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeSubscriptionUpdated     = "subscription_updated"
	TypeAuthenticationSuccess   = "authentication_success"
	TypeAuthenticationFailed    = "authentication_failed"
	TypeDashboardData           = "dashboard_data"
	TypeError                   = "error"
	TypeBiasAlert               = "bias-alert"
	TypeDashboardUpdate         = "dashboard-update"
	TypeSystemStatus            = "system-status"
	TypeAnalysisComplete        = "analysis-complete"
)

// Client to server message types. Heartbeat types travel in both directions.
const (
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeUpdateSubscription = "update_subscription"
	TypeHeartbeat          = "heartbeat"
	TypeHeartbeatResponse  = "heartbeat_response"
	TypeAuthenticate       = "authenticate"
	TypeGetDashboardData   = "get_dashboard_data"
)

// Well-known broadcast channels.
const (
	ChannelBiasAlerts       = "bias_alerts"
	ChannelDashboardUpdates = "dashboard_updates"
	ChannelSystemStatus     = "system_status"
	ChannelAnalysisComplete = "analysis_complete"
)

// DefaultChannels lists the channels a server recognises unless configured
// otherwise.
var DefaultChannels = []string{
	ChannelBiasAlerts,
	ChannelDashboardUpdates,
	ChannelSystemStatus,
	ChannelAnalysisComplete,
}

// Client-facing error texts. Internal error details are never sent.
const (
	MsgInvalidFormat    = "Invalid message format"
	MsgAuthRequired     = "Authentication required"
	MsgAuthFailed       = "Authentication failed"
	MsgNoValidChannels  = "No valid channels requested"
	MsgPermissionDenied = "Insufficient permissions"
	MsgDashboardFailed  = "Failed to fetch dashboard data"
)

// Event is an immutable server-to-client envelope. Domain events published on
// a channel and protocol responses share this shape.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent stamps a new event with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithSession returns a copy of the event carrying the given correlation id.
func (e Event) WithSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// NewError builds an error event with a client-safe message.
func NewError(message string) Event {
	return NewEvent(TypeError, map[string]any{"message": message})
}

// DecodeEvent parses an event envelope produced by an external publisher.
// The timestamp may be an RFC 3339 string or epoch milliseconds; a missing
// timestamp is replaced by the current time.
func DecodeEvent(data []byte) (Event, error) {
	var raw struct {
		Type      string          `json:"type"`
		Timestamp json.RawMessage `json:"timestamp"`
		SessionID string          `json:"sessionId"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if raw.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return Event{}, err
	}

	ev := Event{Type: raw.Type, Timestamp: ts, SessionID: raw.SessionID}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		var payload any
		if err := json.Unmarshal(raw.Data, &payload); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		ev.Data = payload
	}
	return ev, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now().UTC(), nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidMessage, s)
		}
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %s", ErrInvalidMessage, raw)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
