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

// Package auth provides token authentication for WebSocket clients.
// Verification is delegated to TokenVerifier implementations which can be
// chained; tokens stored in configuration may be kept as plain text, SHA256
// or bcrypt hashes.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the token hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text tokens (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed tokens
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed tokens (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// PermissionDashboard allows get_dashboard_data.
const PermissionDashboard = "read:dashboard"

// ChannelPermission is the permission needed to subscribe to channel.
func ChannelPermission(channel string) string {
	return "read:" + channel
}

var (
	// ErrInvalidToken is an explicit rejection: the token is known to be bad
	// or no verifier accepted it.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownToken means a verifier has no opinion about the token. Chains
	// move on to the next verifier.
	ErrUnknownToken = errors.New("unknown token")
	// ErrUserMismatch is returned when the claimed user id differs from the
	// one the token belongs to.
	ErrUserMismatch = errors.New("token does not belong to claimed user")
	// ErrUnknownConnection is returned when authenticating a connection that
	// is no longer registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnsupportedAlgorithm is returned for unknown hash algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// Identity is what a verifier learns from a valid token.
type Identity struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions,omitempty"`
}

// TokenVerifier validates opaque bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to TokenVerifier.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// NamedVerifier is a TokenVerifier that can be switched off and reports a
// name for logging.
type NamedVerifier interface {
	TokenVerifier
	// Name returns the name of the verifier
	Name() string
	// Enabled returns whether the verifier is enabled
	Enabled() bool
}

// Chain tries a list of verifiers in order:
//   - the first success wins
//   - ErrInvalidToken from any verifier stops the chain and rejects
//   - ErrUnknownToken and any other error move on to the next verifier
//   - a token nobody accepted is rejected
type Chain struct {
	verifiers []TokenVerifier
}

// NewChain creates a new verifier chain
func NewChain(verifiers ...TokenVerifier) *Chain {
	return &Chain{verifiers: verifiers}
}

// Add appends a verifier to the chain
func (c *Chain) Add(v TokenVerifier) {
	c.verifiers = append(c.verifiers, v)
}

// Count returns the number of verifiers in the chain
func (c *Chain) Count() int {
	return len(c.verifiers)
}

// Verify runs the chain.
func (c *Chain) Verify(ctx context.Context, token string) (Identity, error) {
	for i, v := range c.verifiers {
		name := fmt.Sprintf("#%d", i+1)
		if nv, ok := v.(NamedVerifier); ok {
			if !nv.Enabled() {
				continue
			}
			name = nv.Name()
		}

		id, err := v.Verify(ctx, token)
		switch {
		case err == nil:
			log.Debug().Str("verifier", name).Str("user_id", id.UserID).Msg("Token accepted")
			return id, nil
		case errors.Is(err, ErrInvalidToken):
			log.Debug().Str("verifier", name).Msg("Token rejected")
			return Identity{}, err
		case errors.Is(err, ErrUnknownToken):
			continue
		default:
			log.Error().Err(err).Str("verifier", name).Msg("Token verifier failed")
			if ctx.Err() != nil {
				return Identity{}, ctx.Err()
			}
		}
	}
	return Identity{}, ErrInvalidToken
}

// HashToken hashes a token with the given algorithm. The salt is only used
// by HashSHA256.
func HashToken(token, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain, "":
		return token, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + token))
		return fmt.Sprintf("%x", sum[:]), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// verifyToken checks a presented token against a stored hash.
func verifyToken(token, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain, "":
		return subtle.ConstantTimeCompare([]byte(token), []byte(hash)) == 1
	case HashSHA256:
		expected, err := HashToken(token, salt, HashSHA256)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
	default:
		return false
	}
}
