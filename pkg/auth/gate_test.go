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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/biasalert-go/pkg/registry"
)

type nopTransport struct{}

func (nopTransport) Send([]byte) error  { return nil }
func (nopTransport) Close(string) error { return nil }

func newGate(t *testing.T, required bool) (*Gate, *registry.Registry, string) {
	t.Helper()

	mv := NewMemoryVerifier()
	require.NoError(t, mv.AddToken("clinician-1", "good-token", HashPlain, nil))
	require.NoError(t, mv.AddToken("admin", "admin-token", HashPlain, []string{"admin"}))

	reg := registry.New(registry.Options{AuthRequired: required})
	conn, err := reg.Admit(nopTransport{}, registry.ClientInfo{})
	require.NoError(t, err)

	return NewGate(NewChain(mv), reg, required, []string{"read:bias_alerts", "read:dashboard"}), reg, conn.ID
}

func TestGateAuthenticate(t *testing.T) {
	testCases := []struct {
		name        string
		token       string
		claimedUser string
		wantErr     error
		wantUser    string
		wantPerms   []string
	}{
		{
			name:      "valid token gets default permissions",
			token:     "good-token",
			wantUser:  "clinician-1",
			wantPerms: []string{"read:bias_alerts", "read:dashboard"},
		},
		{
			name:        "valid token with matching claim",
			token:       "good-token",
			claimedUser: "clinician-1",
			wantUser:    "clinician-1",
			wantPerms:   []string{"read:bias_alerts", "read:dashboard"},
		},
		{
			name:      "verifier permissions win over defaults",
			token:     "admin-token",
			wantUser:  "admin",
			wantPerms: []string{"admin"},
		},
		{
			name:        "claimed user mismatch",
			token:       "good-token",
			claimedUser: "someone-else",
			wantErr:     ErrUserMismatch,
		},
		{
			name:    "bad token",
			token:   "forged",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gate, reg, id := newGate(t, true)

			identity, err := gate.Authenticate(context.Background(), id, tc.token, tc.claimedUser)
			info, _ := reg.Get(id)

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.False(t, info.Authenticated, "failed authentication leaves state untouched")
				assert.Empty(t, info.UserID)
				assert.False(t, gate.Allowed(info))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantUser, identity.UserID)
			assert.Equal(t, tc.wantPerms, identity.Permissions)
			assert.True(t, info.Authenticated)
			assert.Equal(t, tc.wantUser, info.UserID)
			assert.Equal(t, tc.wantPerms, info.Permissions)
			assert.True(t, gate.Allowed(info))
		})
	}
}

func TestGateNotRequired(t *testing.T) {
	gate, reg, id := newGate(t, false)

	info, _ := reg.Get(id)
	assert.True(t, gate.Allowed(info))
	assert.True(t, gate.Permitted(info, ChannelPermission("system_status")), "anonymous clients are unrestricted")
}

func TestGatePermitted(t *testing.T) {
	testCases := []struct {
		name        string
		permissions []string
		permission  string
		want        bool
	}{
		{name: "exact grant", permissions: []string{"read:bias_alerts"}, permission: ChannelPermission("bias_alerts"), want: true},
		{name: "other channel", permissions: []string{"read:bias_alerts"}, permission: ChannelPermission("system_status"), want: false},
		{name: "prefix wildcard", permissions: []string{"read:*"}, permission: PermissionDashboard, want: true},
		{name: "global wildcard", permissions: []string{"*"}, permission: ChannelPermission("analysis_complete"), want: true},
		{name: "no grants", permissions: nil, permission: PermissionDashboard, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gate, reg, id := newGate(t, true)
			info, _ := reg.Get(id)
			assert.False(t, gate.Permitted(info, tc.permission), "unauthenticated")

			require.True(t, reg.SetAuthenticated(id, "u1", tc.permissions))
			info, _ = reg.Get(id)
			assert.Equal(t, tc.want, gate.Permitted(info, tc.permission))
		})
	}
}

func TestGateUnknownConnection(t *testing.T) {
	gate, _, _ := newGate(t, true)
	_, err := gate.Authenticate(context.Background(), "gone", "good-token", "")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestGateWithoutVerifier(t *testing.T) {
	reg := registry.New(registry.Options{AuthRequired: true})
	conn, err := reg.Admit(nopTransport{}, registry.ClientInfo{})
	require.NoError(t, err)

	gate := NewGate(nil, reg, true, nil)
	_, err = gate.Authenticate(context.Background(), conn.ID, "anything", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGateAuthenticateIdentity(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		gate, reg, id := newGate(t, true)
		identity, err := gate.AuthenticateIdentity(id, Identity{UserID: "ward-7-terminal"}, "x509")
		require.NoError(t, err)
		assert.Equal(t, []string{"read:bias_alerts", "read:dashboard"}, identity.Permissions)

		info, _ := reg.Get(id)
		assert.True(t, info.Authenticated)
		assert.Equal(t, "ward-7-terminal", info.UserID)
	})

	t.Run("empty identity", func(t *testing.T) {
		gate, reg, id := newGate(t, true)
		_, err := gate.AuthenticateIdentity(id, Identity{}, "x509")
		assert.ErrorIs(t, err, ErrInvalidToken)
		info, _ := reg.Get(id)
		assert.False(t, info.Authenticated)
	})

	t.Run("unknown connection", func(t *testing.T) {
		gate, _, _ := newGate(t, true)
		_, err := gate.AuthenticateIdentity("gone", Identity{UserID: "u"}, "x509")
		assert.ErrorIs(t, err, ErrUnknownConnection)
	})
}
