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

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrInvalidMessage is returned for frames that are not valid JSON objects
	// or whose fields do not match the schema of their type.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownType is returned for well-formed frames with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is one of the inbound client message variants.
type Message interface {
	Type() string
}

// Subscribe adds channels to a connection and merges its filters.
type Subscribe struct {
	Channels []string       `json:"channels"`
	Filters  map[string]any `json:"filters,omitempty"`
}

// Unsubscribe removes channels from a connection.
type Unsubscribe struct {
	Channels []string `json:"channels"`
}

// UpdateSubscription merges filters without touching channels.
type UpdateSubscription struct {
	Filters map[string]any `json:"filters"`
}

// Heartbeat is a client-initiated liveness probe.
type Heartbeat struct{}

// HeartbeatResponse acknowledges a server probe.
type HeartbeatResponse struct{}

// Authenticate presents a token and the user id it is claimed to belong to.
type Authenticate struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

// GetDashboardData requests a dashboard snapshot.
type GetDashboardData struct {
	Filters map[string]any `json:"filters,omitempty"`
}

func (Subscribe) Type() string          { return TypeSubscribe }
func (Unsubscribe) Type() string        { return TypeUnsubscribe }
func (UpdateSubscription) Type() string { return TypeUpdateSubscription }
func (Heartbeat) Type() string          { return TypeHeartbeat }
func (HeartbeatResponse) Type() string  { return TypeHeartbeatResponse }
func (Authenticate) Type() string       { return TypeAuthenticate }
func (GetDashboardData) Type() string   { return TypeGetDashboardData }

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "timestamp": {"type": ["string", "number"]},
    "sessionId": {"type": "string"},
    "data": {"type": ["object", "null"]}
  }
}`

const channelsSchema = `{"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}`

type variant struct {
	schema string
	build  func() Message
}

var variants = map[string]variant{
	TypeSubscribe: {
		schema: `{"type": "object", "required": ["channels"], "properties": {
			"channels": ` + channelsSchema + `,
			"filters": {"type": ["object", "null"]}}}`,
		build: func() Message { return &Subscribe{} },
	},
	TypeUnsubscribe: {
		schema: `{"type": "object", "required": ["channels"], "properties": {
			"channels": ` + channelsSchema + `}}`,
		build: func() Message { return &Unsubscribe{} },
	},
	TypeUpdateSubscription: {
		schema: `{"type": "object", "required": ["filters"], "properties": {
			"filters": {"type": "object"}}}`,
		build: func() Message { return &UpdateSubscription{} },
	},
	TypeHeartbeat: {
		schema: `{"type": "object"}`,
		build:  func() Message { return &Heartbeat{} },
	},
	TypeHeartbeatResponse: {
		schema: `{"type": "object"}`,
		build:  func() Message { return &HeartbeatResponse{} },
	},
	TypeAuthenticate: {
		schema: `{"type": "object", "required": ["token"], "properties": {
			"token": {"type": "string"},
			"userId": {"type": "string"}}}`,
		build: func() Message { return &Authenticate{} },
	},
	TypeGetDashboardData: {
		schema: `{"type": "object", "properties": {
			"filters": {"type": ["object", "null"]}}}`,
		build: func() Message { return &GetDashboardData{} },
	},
}

var (
	envelopeValidator *gojsonschema.Schema
	variantValidators = make(map[string]*gojsonschema.Schema, len(variants))
)

func init() {
	envelopeValidator = mustSchema(envelopeSchema)
	for name, v := range variants {
		variantValidators[name] = mustSchema(v.schema)
	}
}

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: bad built-in schema: %v", err))
	}
	return s
}

// envelopeKeys are consumed by the envelope and never copied into a body.
var envelopeKeys = map[string]bool{"type": true, "timestamp": true, "sessionId": true, "data": true}

// Decode parses and validates one inbound frame. Variant fields may be sent at
// the top level of the envelope or inside "data"; top-level fields win.
func Decode(frame []byte) (Message, error) {
	res, err := envelopeValidator.Validate(gojsonschema.NewBytesLoader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !res.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, describe(res))
	}

	var env map[string]any
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msgType, _ := env["type"].(string)

	v, ok := variants[msgType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	body := make(map[string]any)
	if data, ok := env["data"].(map[string]any); ok {
		for k, val := range data {
			body[k] = val
		}
	}
	for k, val := range env {
		if !envelopeKeys[k] {
			body[k] = val
		}
	}

	res, err = variantValidators[msgType].Validate(gojsonschema.NewGoLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !res.Valid() {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidMessage, msgType, describe(res))
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg := v.build()
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return deref(msg), nil
}

// deref hands callers value types so a type switch on Subscribe, not
// *Subscribe, is enough.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	case *UpdateSubscription:
		return *v
	case *Heartbeat:
		return *v
	case *HeartbeatResponse:
		return *v
	case *Authenticate:
		return *v
	case *GetDashboardData:
		return *v
	}
	return m
}

func describe(res *gojsonschema.Result) string {
	parts := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
