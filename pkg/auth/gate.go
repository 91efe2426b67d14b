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

package auth

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

// Registry is the part of the connection registry the gate mutates.
type Registry interface {
	SetAuthenticated(id, userID string, permissions []string) bool
}

// Gate decides whether a connection may use gated message types and
// authenticates connections through a TokenVerifier.
type Gate struct {
	verifier           TokenVerifier
	reg                Registry
	required           bool
	defaultPermissions []string
}

// NewGate creates a new Gate. defaultPermissions are granted when the
// verifier returns an identity without any.
func NewGate(verifier TokenVerifier, reg Registry, required bool, defaultPermissions []string) *Gate {
	return &Gate{
		verifier:           verifier,
		reg:                reg,
		required:           required,
		defaultPermissions: append([]string(nil), defaultPermissions...),
	}
}

// Allowed reports whether the connection may use gated message types.
func (g *Gate) Allowed(info registry.Info) bool {
	return !g.required || info.Authenticated
}

// Permitted reports whether the connection holds permission. Without
// required authentication every connection is permitted everything.
func (g *Gate) Permitted(info registry.Info, permission string) bool {
	if !g.required {
		return true
	}
	return info.Authenticated && info.HasPermission(permission)
}

// Authenticate verifies token for connection id. When claimedUserID is set
// it must match the identity the token belongs to. On success the
// connection is marked authenticated; on failure its state is unchanged.
func (g *Gate) Authenticate(ctx context.Context, id, token, claimedUserID string) (Identity, error) {
	identity, err := g.verify(ctx, token, claimedUserID)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		log.Info().Err(err).Str("connection_id", id).Msg("Authentication failed")
		return Identity{}, err
	}

	return g.accept(id, identity, "token")
}

// AuthenticateIdentity marks connection id as authenticated with an
// identity established outside the token flow, such as a verified client
// certificate.
func (g *Gate) AuthenticateIdentity(id string, identity Identity, method string) (Identity, error) {
	if identity.UserID == "" {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		return Identity{}, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	if len(identity.Permissions) == 0 {
		identity.Permissions = append([]string(nil), g.defaultPermissions...)
	}
	return g.accept(id, identity, method)
}

func (g *Gate) accept(id string, identity Identity, method string) (Identity, error) {
	if !g.reg.SetAuthenticated(id, identity.UserID, identity.Permissions) {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		return Identity{}, ErrUnknownConnection
	}

	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	log.Info().
		Str("connection_id", id).
		Str("user_id", identity.UserID).
		Str("method", method).
		Msg("Connection authenticated")
	return identity, nil
}

func (g *Gate) verify(ctx context.Context, token, claimedUserID string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if g.verifier == nil {
		return Identity{}, fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}

	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if identity.UserID == "" {
		return Identity{}, fmt.Errorf("%w: verifier returned no user id", ErrInvalidToken)
	}
	if claimedUserID != "" && claimedUserID != identity.UserID {
		return Identity{}, ErrUserMismatch
	}
	if len(identity.Permissions) == 0 {
		identity.Permissions = append([]string(nil), g.defaultPermissions...)
	}
	return identity, nil
}
