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
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// TokenEntry is one stored credential.
type TokenEntry struct {
	UserID      string        `json:"userId"`
	TokenHash   string        `json:"-"`
	Algorithm   HashAlgorithm `json:"algorithm"`
	Salt        string        `json:"-"`
	Permissions []string      `json:"permissions,omitempty"`
	Enabled     bool          `json:"enabled"`
}

// MemoryVerifier verifies tokens against an in-memory table, usually loaded
// from configuration.
type MemoryVerifier struct {
	entries map[string]*TokenEntry
	enabled bool
	mu      sync.RWMutex
}

// NewMemoryVerifier creates a new memory-based verifier
func NewMemoryVerifier() *MemoryVerifier {
	return &MemoryVerifier{
		entries: make(map[string]*TokenEntry),
		enabled: true,
	}
}

// Name returns the name of this verifier
func (mv *MemoryVerifier) Name() string {
	return "memory"
}

// Enabled returns whether this verifier is enabled
func (mv *MemoryVerifier) Enabled() bool {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return mv.enabled
}

// SetEnabled enables or disables this verifier
func (mv *MemoryVerifier) SetEnabled(enabled bool) {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.enabled = enabled
}

// AddToken hashes token and stores it for userID, replacing any previous
// token for that user.
func (mv *MemoryVerifier) AddToken(userID, token string, algorithm HashAlgorithm, permissions []string) error {
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	salt := ""
	if algorithm == HashSHA256 {
		salt = userID
	}
	hash, err := HashToken(token, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	return mv.AddHashed(TokenEntry{
		UserID:      userID,
		TokenHash:   hash,
		Algorithm:   algorithm,
		Salt:        salt,
		Permissions: permissions,
		Enabled:     true,
	})
}

// AddHashed stores an entry whose token is already hashed.
func (mv *MemoryVerifier) AddHashed(entry TokenEntry) error {
	if entry.UserID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if entry.TokenHash == "" {
		return fmt.Errorf("token for %s cannot be empty", entry.UserID)
	}
	switch entry.Algorithm {
	case HashPlain, HashSHA256, HashBcrypt:
	case "":
		entry.Algorithm = HashPlain
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, entry.Algorithm)
	}

	entry.Permissions = append([]string(nil), entry.Permissions...)

	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.entries[entry.UserID] = &entry
	log.Debug().Str("user_id", entry.UserID).Str("algorithm", string(entry.Algorithm)).Msg("Added token")
	return nil
}

// RemoveUser removes the token for userID.
func (mv *MemoryVerifier) RemoveUser(userID string) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	if _, exists := mv.entries[userID]; !exists {
		return fmt.Errorf("user not found: %s", userID)
	}
	delete(mv.entries, userID)
	return nil
}

// SetUserEnabled enables or disables a specific user
func (mv *MemoryVerifier) SetUserEnabled(userID string, enabled bool) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	entry, exists := mv.entries[userID]
	if !exists {
		return fmt.Errorf("user not found: %s", userID)
	}
	entry.Enabled = enabled
	return nil
}

// Users returns the sorted ids of every stored user.
func (mv *MemoryVerifier) Users() []string {
	mv.mu.RLock()
	defer mv.mu.RUnlock()

	users := make([]string, 0, len(mv.entries))
	for id := range mv.entries {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Count returns the number of users
func (mv *MemoryVerifier) Count() int {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return len(mv.entries)
}

// Verify looks the token up in the table. Tokens matching no entry are
// reported as ErrUnknownToken so a chain can try the next verifier; tokens
// of disabled users are rejected outright.
func (mv *MemoryVerifier) Verify(_ context.Context, token string) (Identity, error) {
	mv.mu.RLock()
	defer mv.mu.RUnlock()

	if !mv.enabled || token == "" {
		return Identity{}, ErrUnknownToken
	}

	for _, entry := range mv.entries {
		if !verifyToken(token, entry.TokenHash, entry.Salt, entry.Algorithm) {
			continue
		}
		if !entry.Enabled {
			log.Warn().Str("user_id", entry.UserID).Msg("Token presented for disabled user")
			return Identity{}, ErrInvalidToken
		}
		return Identity{
			UserID:      entry.UserID,
			Permissions: append([]string(nil), entry.Permissions...),
		}, nil
	}
	return Identity{}, ErrUnknownToken
}
