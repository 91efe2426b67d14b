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

package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

type sink struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  []string
	sendErr error
}

func (s *sink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *sink) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, reason)
	return nil
}

func (s *sink) events(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func subscribe(t *testing.T, reg *registry.Registry, channels []string, filters map[string]any) (*sink, string) {
	t.Helper()
	s := &sink{}
	conn, err := reg.Admit(s, registry.ClientInfo{})
	require.NoError(t, err)
	_, ok := reg.Subscribe(conn.ID, channels, filters)
	require.True(t, ok)
	return s, conn.ID
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	reg := registry.New(registry.Options{})
	engine := New(reg)

	a, _ := subscribe(t, reg, []string{protocol.ChannelSystemStatus}, nil)
	b, _ := subscribe(t, reg, []string{protocol.ChannelSystemStatus, protocol.ChannelBiasAlerts}, nil)
	c, _ := subscribe(t, reg, []string{protocol.ChannelBiasAlerts}, nil)

	n := engine.BroadcastSystemStatus(SystemStatus{Status: "degraded", Message: "analysis queue backlog"})
	assert.Equal(t, 2, n)

	require.Len(t, a.events(t), 1)
	require.Len(t, b.events(t), 1)
	assert.Empty(t, c.events(t))

	ev := a.events(t)[0]
	assert.Equal(t, "system-status", ev["type"])
	assert.Equal(t, "degraded", ev["data"].(map[string]any)["status"])
}

func TestPublishSkipsUnauthenticated(t *testing.T) {
	reg := registry.New(registry.Options{AuthRequired: true})
	engine := New(reg)

	anon, _ := subscribe(t, reg, []string{protocol.ChannelDashboardUpdates}, nil)
	authed, id := subscribe(t, reg, []string{protocol.ChannelDashboardUpdates}, nil)
	reg.SetAuthenticated(id, "u1", nil)

	assert.Equal(t, 1, engine.BroadcastDashboardUpdate(map[string]any{"totalSessions": 12}))
	assert.Empty(t, anon.events(t))
	assert.Len(t, authed.events(t), 1)
}

func TestAlertLevelFilter(t *testing.T) {
	testCases := []struct {
		name     string
		filters  map[string]any
		level    AlertLevel
		received bool
	}{
		{name: "no filter", filters: nil, level: AlertLow, received: true},
		{name: "all", filters: map[string]any{FilterAlertLevel: "all"}, level: AlertWarning, received: true},
		{name: "exact match", filters: map[string]any{FilterAlertLevel: "high"}, level: AlertHigh, received: true},
		{name: "mismatch", filters: map[string]any{FilterAlertLevel: "high"}, level: AlertCritical, received: false},
		{name: "other filters ignored", filters: map[string]any{"timeRange": "24h"}, level: AlertLow, received: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reg := registry.New(registry.Options{})
			engine := New(reg)
			s, _ := subscribe(t, reg, []string{protocol.ChannelBiasAlerts}, tc.filters)

			n := engine.BroadcastBiasAlert(BiasAlert{AlertID: "a-1", SessionID: "s-1", Level: tc.level, Message: "bias detected"})
			if tc.received {
				assert.Equal(t, 1, n)
				events := s.events(t)
				require.Len(t, events, 1)
				assert.Equal(t, "bias-alert", events[0]["type"])
				assert.Equal(t, "s-1", events[0]["sessionId"])
				assert.Equal(t, string(tc.level), events[0]["data"].(map[string]any)["level"])
			} else {
				assert.Zero(t, n)
				assert.Empty(t, s.events(t))
			}
		})
	}
}

func TestAlertLevelFilterOnDecodedPayload(t *testing.T) {
	info := registry.Info{Filters: map[string]any{FilterAlertLevel: "critical"}}

	assert.True(t, AlertLevelFilter(info, protocol.NewEvent(protocol.TypeBiasAlert, map[string]any{"level": "critical"})))
	assert.False(t, AlertLevelFilter(info, protocol.NewEvent(protocol.TypeBiasAlert, map[string]any{"level": "low"})))
	assert.False(t, AlertLevelFilter(info, protocol.NewEvent(protocol.TypeBiasAlert, nil)), "no level to match")
	assert.True(t, AlertLevelFilter(info, protocol.NewEvent(protocol.TypeBiasAlert, &BiasAlert{Level: AlertCritical})))
}

func TestFilterAppliesOnlyToAlertChannel(t *testing.T) {
	reg := registry.New(registry.Options{})
	engine := New(reg)
	s, _ := subscribe(t, reg, []string{protocol.ChannelAnalysisComplete}, map[string]any{FilterAlertLevel: "critical"})

	// analysis_complete has no default predicate, so the level filter is not consulted.
	n := engine.BroadcastAnalysisComplete(AnalysisComplete{SessionID: "s-9", AlertLevel: AlertLow, OverallBiasScore: 0.2})
	assert.Equal(t, 1, n)
	assert.Len(t, s.events(t), 1)
}

func TestPublishWithExtraPredicates(t *testing.T) {
	reg := registry.New(registry.Options{})
	engine := New(reg)
	_, keep := subscribe(t, reg, []string{"custom"}, nil)
	subscribe(t, reg, []string{"custom"}, nil)

	onlyKeep := func(info registry.Info, _ protocol.Event) bool { return info.ID == keep }
	assert.Equal(t, 1, engine.Publish("custom", protocol.NewEvent("custom-event", nil), onlyKeep))

	engine.SetChannelFilters("custom", func(registry.Info, protocol.Event) bool { return false })
	assert.Zero(t, engine.Publish("custom", protocol.NewEvent("custom-event", nil)))

	engine.SetChannelFilters("custom")
	assert.Equal(t, 2, engine.Publish("custom", protocol.NewEvent("custom-event", nil)))
}

func TestSendFailureRemovesConnection(t *testing.T) {
	reg := registry.New(registry.Options{})
	engine := New(reg)

	healthy, _ := subscribe(t, reg, []string{protocol.ChannelSystemStatus}, nil)
	broken, brokenID := subscribe(t, reg, []string{protocol.ChannelSystemStatus}, nil)
	broken.sendErr = errors.New("connection reset by peer")

	n := engine.BroadcastSystemStatus(SystemStatus{Status: "ok"})
	assert.Equal(t, 1, n)
	assert.Len(t, healthy.events(t), 1)

	_, ok := reg.Get(brokenID)
	assert.False(t, ok, "failed connection is removed")
	assert.Equal(t, []string{"send failed"}, broken.closed)

	// The next publish only sees the healthy connection.
	assert.Equal(t, 1, engine.BroadcastSystemStatus(SystemStatus{Status: "ok"}))
}

func TestPublishToEmptyChannel(t *testing.T) {
	engine := New(registry.New(registry.Options{}))
	assert.Zero(t, engine.Publish("nobody_listens", protocol.NewEvent("x", nil)))
}

func TestPublishUnencodableEvent(t *testing.T) {
	reg := registry.New(registry.Options{})
	engine := New(reg)
	s, _ := subscribe(t, reg, []string{"c"}, nil)

	assert.Zero(t, engine.Publish("c", protocol.NewEvent("x", map[string]any{"bad": make(chan int)})))
	assert.Empty(t, s.events(t))
}

func TestConcurrentPublishersKeepFramesWhole(t *testing.T) {
	reg := registry.New(registry.Options{})
	engine := New(reg)
	s, _ := subscribe(t, reg, []string{protocol.ChannelDashboardUpdates}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine.BroadcastDashboardUpdate(map[string]any{"seq": i})
		}(i)
	}
	wg.Wait()

	events := s.events(t)
	assert.Len(t, events, 10)
}
