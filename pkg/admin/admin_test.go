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

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/biasalert-go/pkg/blacklist"
	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

const testToken = "s3cret"

// mockBackend implements Backend for testing
type mockBackend struct {
	conns     []registry.Info
	bans      []blacklist.Entry
	kicked    []string
	banned    []BanRequest
	unbanned  []string
	published []protocol.Event
	channels  map[string]bool
}

func newMockBackend() *mockBackend {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &mockBackend{
		conns: []registry.Info{
			{
				ID:            "conn-2",
				Client:        registry.ClientInfo{RemoteAddr: "10.0.0.2"},
				ConnectedAt:   base.Add(time.Minute),
				Channels:      []string{"dashboard_updates"},
				Authenticated: false,
			},
			{
				ID:            "conn-1",
				Client:        registry.ClientInfo{RemoteAddr: "10.0.0.1"},
				ConnectedAt:   base,
				Channels:      []string{"bias_alerts", "dashboard_updates"},
				Authenticated: true,
				UserID:        "clinician-1",
			},
		},
		bans: []blacklist.Entry{
			{Value: "10.9.9.9", Kind: blacklist.KindBan, Reason: "rate limit exceeded", CreatedAt: base},
		},
		channels: map[string]bool{"bias_alerts": true, "dashboard_updates": true},
	}
}

func (m *mockBackend) Stats() any {
	return map[string]int{"total": len(m.conns)}
}

func (m *mockBackend) Connections() []registry.Info {
	return append([]registry.Info(nil), m.conns...)
}

func (m *mockBackend) Disconnect(id, reason string) error {
	for _, info := range m.conns {
		if info.ID == id {
			m.kicked = append(m.kicked, id+":"+reason)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockBackend) Bans() []blacklist.Entry {
	return m.bans
}

func (m *mockBackend) Ban(addr string, duration time.Duration, reason string) int {
	m.banned = append(m.banned, BanRequest{Address: addr, DurationMs: duration.Milliseconds(), Reason: reason})
	closed := 0
	for _, info := range m.conns {
		if info.Client.RemoteAddr == addr {
			closed++
		}
	}
	return closed
}

func (m *mockBackend) Unban(addr string) error {
	for _, e := range m.bans {
		if e.Value == addr {
			m.unbanned = append(m.unbanned, addr)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockBackend) Publish(channel string, ev protocol.Event) (int, error) {
	if !m.channels[channel] {
		return 0, ErrUnknownChannel
	}
	m.published = append(m.published, ev)
	return 1, nil
}

func serve(t *testing.T, backend Backend, method, target, body, token string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	mux := http.NewServeMux()
	NewAPIServer(backend, testToken).RegisterRoutes(mux)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var response APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response), rr.Body.String())
	return rr, response
}

func TestAPIServerRequiresToken(t *testing.T) {
	before := testutil.ToFloat64(metrics.AdminRequestsTotal.WithLabelValues("stats", "401"))

	testCases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong", token: "guess", want: http.StatusUnauthorized},
		{name: "valid", token: testToken, want: http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr, _ := serve(t, newMockBackend(), http.MethodGet, Prefix+"/stats", "", tc.token)
			assert.Equal(t, tc.want, rr.Code)
			if tc.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}

	after := testutil.ToFloat64(metrics.AdminRequestsTotal.WithLabelValues("stats", "401"))
	assert.Equal(t, float64(2), after-before)
}

func TestAPIServerWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	NewAPIServer(newMockBackend(), "").RegisterRoutes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, Prefix+"/stats", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestAPIServerConnections(t *testing.T) {
	testCases := []struct {
		name      string
		query     string
		wantIDs   []string
		wantTotal float64
		wantCode  int
	}{
		{name: "all ordered by connect time", wantIDs: []string{"conn-1", "conn-2"}, wantTotal: 2},
		{name: "by channel", query: "?channel=bias_alerts", wantIDs: []string{"conn-1"}, wantTotal: 1},
		{name: "by user", query: "?user=clinician-1", wantIDs: []string{"conn-1"}, wantTotal: 1},
		{name: "unauthenticated", query: "?authenticated=false", wantIDs: []string{"conn-2"}, wantTotal: 1},
		{name: "pagination", query: "?page=2&limit=1", wantIDs: []string{"conn-2"}, wantTotal: 2},
		{name: "page past the end", query: "?page=5", wantIDs: []string{}, wantTotal: 2},
		{name: "bad boolean", query: "?authenticated=maybe", wantCode: http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr, response := serve(t, newMockBackend(), http.MethodGet, Prefix+"/connections"+tc.query, "", testToken)
			if tc.wantCode != 0 {
				assert.Equal(t, tc.wantCode, rr.Code)
				return
			}
			require.Equal(t, http.StatusOK, rr.Code)

			data, ok := response.Data.(map[string]any)
			require.True(t, ok)
			meta := data["meta"].(map[string]any)
			assert.Equal(t, tc.wantTotal, meta["total"])

			ids := []string{}
			for _, item := range data["data"].([]any) {
				ids = append(ids, item.(map[string]any)["id"].(string))
			}
			assert.Equal(t, tc.wantIDs, ids)
		})
	}
}

func TestAPIServerConnectionByID(t *testing.T) {
	backend := newMockBackend()

	rr, response := serve(t, backend, http.MethodGet, Prefix+"/connections/conn-1", "", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "conn-1", response.Data.(map[string]any)["id"])

	rr, _ = serve(t, backend, http.MethodGet, Prefix+"/connections/nonexistent", "", testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = serve(t, backend, http.MethodDelete, Prefix+"/connections/conn-2", "", testToken)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"conn-2:" + kickReason}, backend.kicked)

	rr, _ = serve(t, backend, http.MethodDelete, Prefix+"/connections/nonexistent", "", testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = serve(t, backend, http.MethodPut, Prefix+"/connections/conn-1", "", testToken)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAPIServerBans(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantCode   int
		wantClosed float64
		wantReason string
	}{
		{name: "ban live address", body: `{"address":"10.0.0.1","durationMs":60000,"reason":"abuse"}`, wantCode: http.StatusOK, wantClosed: 1, wantReason: "abuse"},
		{name: "default reason", body: `{"address":"10.7.7.7","durationMs":1000}`, wantCode: http.StatusOK, wantReason: "banned by operator"},
		{name: "not an ip", body: `{"address":"example.com","durationMs":1000}`, wantCode: http.StatusBadRequest},
		{name: "no duration", body: `{"address":"10.0.0.1"}`, wantCode: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newMockBackend()
			rr, response := serve(t, backend, http.MethodPost, Prefix+"/bans", tc.body, testToken)
			require.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode != http.StatusOK {
				assert.Empty(t, backend.banned)
				return
			}
			assert.Equal(t, tc.wantClosed, response.Data.(map[string]any)["closed"])
			require.Len(t, backend.banned, 1)
			assert.Equal(t, tc.wantReason, backend.banned[0].Reason)
		})
	}

	t.Run("list", func(t *testing.T) {
		rr, response := serve(t, newMockBackend(), http.MethodGet, Prefix+"/bans", "", testToken)
		require.Equal(t, http.StatusOK, rr.Code)
		entries := response.Data.([]any)
		require.Len(t, entries, 1)
		assert.Equal(t, "10.9.9.9", entries[0].(map[string]any)["value"])
	})

	t.Run("unban", func(t *testing.T) {
		backend := newMockBackend()
		rr, _ := serve(t, backend, http.MethodDelete, Prefix+"/bans/10.9.9.9", "", testToken)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"10.9.9.9"}, backend.unbanned)

		rr, _ = serve(t, backend, http.MethodDelete, Prefix+"/bans/10.1.1.1", "", testToken)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr, _ = serve(t, backend, http.MethodGet, Prefix+"/bans/10.9.9.9", "", testToken)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestAPIServerPublish(t *testing.T) {
	testCases := []struct {
		name     string
		channel  string
		body     string
		method   string
		wantCode int
		wantType string
	}{
		{
			name:     "bias alert",
			channel:  "bias_alerts",
			body:     `{"type":"bias-alert","data":{"level":"critical","sessionId":"s-1"}}`,
			wantCode: http.StatusOK,
			wantType: "bias-alert",
		},
		{name: "unknown channel", channel: "gossip", body: `{"type":"x","data":{}}`, wantCode: http.StatusNotFound},
		{name: "missing type", channel: "bias_alerts", body: `{"data":{}}`, wantCode: http.StatusBadRequest},
		{name: "not json", channel: "bias_alerts", body: `nope`, wantCode: http.StatusBadRequest},
		{name: "no channel", channel: "", body: `{"type":"x"}`, wantCode: http.StatusBadRequest},
		{name: "wrong method", channel: "bias_alerts", method: http.MethodGet, wantCode: http.StatusMethodNotAllowed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			method := tc.method
			if method == "" {
				method = http.MethodPost
			}
			backend := newMockBackend()
			rr, response := serve(t, backend, method, Prefix+"/publish/"+tc.channel, tc.body, testToken)
			require.Equal(t, tc.wantCode, rr.Code, response.Message)
			if tc.wantCode != http.StatusOK {
				assert.Empty(t, backend.published)
				return
			}
			require.Len(t, backend.published, 1)
			assert.Equal(t, tc.wantType, backend.published[0].Type)
			assert.Equal(t, float64(1), response.Data.(map[string]any)["delivered"])
		})
	}
}
