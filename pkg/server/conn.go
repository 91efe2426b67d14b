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

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	x509auth "github.com/turtacn/biasalert-go/pkg/auth/x509"
	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
	"github.com/turtacn/biasalert-go/pkg/transport"
)

// refuse rejects a handshake before the upgrade.
func refuse(w http.ResponseWriter, r *http.Request, addr string, code int, reason string) {
	metrics.ConnectionsRejectedTotal.WithLabelValues(reason).Inc()
	log.Info().
		Str("remote_addr", addr).
		Str("origin", r.Header.Get("Origin")).
		Str("reason", reason).
		Msg("Connection refused")
	http.Error(w, http.StatusText(code), code)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := s.clientAddr(r)

	if !s.track() {
		refuse(w, r, addr, http.StatusServiceUnavailable, "shutdown")
		return
	}
	defer s.conns.Done()

	switch {
	case !transport.OriginAllowed(r, s.cfg.Server.AllowedOrigins):
		refuse(w, r, addr, http.StatusForbidden, "origin")
		return
	case !s.handshakes.Allow(addr):
		refuse(w, r, addr, http.StatusTooManyRequests, "handshake_rate")
		return
	case s.bans.IsBanned(addr):
		refuse(w, r, addr, http.StatusForbidden, "banned")
		return
	case s.cfg.Server.MaxConnections > 0 && s.registry.Count() >= s.cfg.Server.MaxConnections:
		refuse(w, r, addr, http.StatusServiceUnavailable, "capacity")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		metrics.ConnectionsRejectedTotal.WithLabelValues("upgrade").Inc()
		log.Debug().Err(err).Str("remote_addr", addr).Msg("WebSocket upgrade failed")
		return
	}

	t := transport.NewConn(ws, s.cfg.WriteTimeout())
	conn, err := s.registry.Admit(t, registry.ClientInfo{
		RemoteAddr: addr,
		UserAgent:  r.UserAgent(),
		Origin:     r.Header.Get("Origin"),
	})
	if err != nil {
		// Lost a race with another handshake or a ban issued meanwhile.
		reason := "capacity"
		if errors.Is(err, registry.ErrBanned) {
			reason = "banned"
		}
		metrics.ConnectionsRejectedTotal.WithLabelValues(reason).Inc()
		_ = t.Close(err.Error())
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	if s.isStopped() {
		// Dispose ran CloseAll before this connection was admitted.
		if removed := s.registry.Remove(conn.ID); removed != nil {
			_ = removed.Close(transport.ReasonShutdown)
		}
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("remote_addr", addr).
		Str("user_agent", conn.Client.UserAgent).
		Msg("Connection admitted")

	s.authenticateCertificate(r, conn)
	s.serve(ws, conn)
}

// clientAddr is the address admission checks and bans apply to.
func (s *Server) clientAddr(r *http.Request) string {
	return s.proxies.ClientIP(r)
}

// track registers an in-flight handshake with Dispose. It fails once the
// server is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// authenticateCertificate authenticates conn from its verified client
// certificate. Connections without one keep using token authentication.
func (s *Server) authenticateCertificate(r *http.Request, conn *registry.Connection) {
	if s.certAuth == nil || !s.certAuth.Enabled() {
		return
	}
	identity, err := s.certAuth.Identify(r.TLS)
	if errors.Is(err, x509auth.ErrNoCertificate) {
		return
	}
	if err == nil {
		_, err = s.gate.AuthenticateIdentity(conn.ID, identity, "x509")
	}
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		log.Info().Err(err).Str("connection_id", conn.ID).Msg("Client certificate not accepted")
	}
}

// serve runs the read loop for one admitted connection. Frames are handled
// one at a time in arrival order.
func (s *Server) serve(ws *websocket.Conn, conn *registry.Connection) {
	defer func() {
		if removed := s.registry.Remove(conn.ID); removed != nil {
			_ = removed.Close(reasonClientGone)
		}
		// A frame racing an eviction can record a window after OnRemove
		// already dropped it.
		s.limiter.Forget(conn.ID)
	}()

	ws.SetReadLimit(s.cfg.Server.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		s.registry.Touch(conn.ID, time.Now())
		return nil
	})

	status := map[string]any{
		"status":       "connected",
		"connectionId": conn.ID,
		"authRequired": s.cfg.Server.AuthRequired,
		"channels":     s.cfg.Server.Channels,
	}
	if info, ok := s.registry.Get(conn.ID); ok && info.UserID != "" {
		status["userId"] = info.UserID
	}
	welcome := protocol.NewEvent(protocol.TypeConnectionStatus, status)
	payload, err := welcome.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode welcome")
		return
	}
	if err := conn.Send(payload); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Welcome send failed")
		return
	}

	ctx := s.baseContext()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !conn.Closed() {
				log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Read failed")
			}
			return
		}
		if !s.router.Handle(ctx, conn, frame) {
			return
		}
	}
}
