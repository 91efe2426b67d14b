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

// Package admin provides the REST API operators use to inspect and manage
// live connections and bans, and to publish events from outside the process.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turtacn/biasalert-go/pkg/blacklist"
	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	"github.com/turtacn/biasalert-go/pkg/registry"
)

// Prefix is the path prefix of every admin route.
const Prefix = "/api/v1"

const (
	defaultLimit = 20
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
	kickReason   = "disconnected by operator"
)

var (
	// ErrUnknownChannel is returned by Backend.Publish for channels clients
	// cannot subscribe to.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotFound is returned when a connection or ban does not exist.
	ErrNotFound = errors.New("not found")
)

// Backend is the server state the admin API operates on.
type Backend interface {
	Stats() any
	Connections() []registry.Info
	Disconnect(id, reason string) error
	Bans() []blacklist.Entry
	// Ban bans addr and closes its live connections, returning how many
	// were closed.
	Ban(addr string, duration time.Duration, reason string) int
	Unban(addr string) error
	Publish(channel string, ev protocol.Event) (int, error)
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// PaginationMeta describes one page of a list response.
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// BanRequest is the body of POST /api/v1/bans.
type BanRequest struct {
	Address    string `json:"address"`
	DurationMs int64  `json:"durationMs"`
	Reason     string `json:"reason"`
}

// APIServer provides REST API endpoints for server management
type APIServer struct {
	backend Backend
	token   []byte
}

// NewAPIServer creates a new API server instance. A non-empty token is
// required as a bearer credential on every request.
func NewAPIServer(backend Backend, token string) *APIServer {
	return &APIServer{backend: backend, token: []byte(token)}
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(Prefix+"/stats", s.guard("stats", s.handleStats))
	mux.Handle(Prefix+"/connections", s.guard("connections", s.handleConnections))
	mux.Handle(Prefix+"/connections/", s.guard("connection", s.handleConnectionByID))
	mux.Handle(Prefix+"/bans", s.guard("bans", s.handleBans))
	mux.Handle(Prefix+"/bans/", s.guard("ban", s.handleBanByAddress))
	mux.Handle(Prefix+"/publish/", s.guard("publish", s.handlePublish))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) guard(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			metrics.AdminRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.code)).Inc()
		}()

		if len(s.token) > 0 {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), s.token) != 1 {
				rec.Header().Set("WWW-Authenticate", `Bearer realm="biasalert"`)
				s.writeError(rec, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next(rec, r)
	})
}

// handleStats handles /api/v1/stats endpoint
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeSuccess(w, s.backend.Stats())
}

// handleConnections handles /api/v1/connections endpoint. The optional
// channel, user and authenticated query parameters narrow the listing.
func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	conns := s.backend.Connections()
	filtered := make([]registry.Info, 0, len(conns))
	for _, info := range conns {
		if ch := q.Get("channel"); ch != "" && !info.Subscribed(ch) {
			continue
		}
		if user := q.Get("user"); user != "" && info.UserID != user {
			continue
		}
		if a := q.Get("authenticated"); a != "" {
			want, err := strconv.ParseBool(a)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "authenticated must be a boolean")
				return
			}
			if info.Authenticated != want {
				continue
			}
		}
		filtered = append(filtered, info)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].ConnectedAt.Before(filtered[j].ConnectedAt)
	})

	page, limit := s.getPagination(r)
	start, end := paginate(len(filtered), page, limit)
	result := struct {
		Data []registry.Info `json:"data"`
		Meta PaginationMeta  `json:"meta"`
	}{
		Data: filtered[start:end],
		Meta: PaginationMeta{Page: page, Limit: limit, Count: end - start, Total: len(filtered)},
	}
	s.writeSuccess(w, result)
}

// handleConnectionByID handles /api/v1/connections/{id} endpoint
func (s *APIServer) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	id := s.extractIDFromPath(r.URL.Path, Prefix+"/connections/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, info := range s.backend.Connections() {
			if info.ID == id {
				s.writeSuccess(w, info)
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "Connection not found")

	case http.MethodDelete:
		err := s.backend.Disconnect(id, kickReason)
		if errors.Is(err, ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Info().Str("connection_id", id).Msg("Connection disconnected by operator")
		s.writeSuccess(w, map[string]string{"result": "disconnected"})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBans handles /api/v1/bans endpoint
func (s *APIServer) handleBans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeSuccess(w, s.backend.Bans())

	case http.MethodPost:
		var req BanRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if net.ParseIP(req.Address) == nil {
			s.writeError(w, http.StatusBadRequest, "address must be an IP address")
			return
		}
		if req.DurationMs <= 0 {
			s.writeError(w, http.StatusBadRequest, "durationMs must be positive")
			return
		}
		if req.Reason == "" {
			req.Reason = "banned by operator"
		}
		closed := s.backend.Ban(req.Address, time.Duration(req.DurationMs)*time.Millisecond, req.Reason)
		log.Info().
			Str("remote_addr", req.Address).
			Int("closed", closed).
			Msg("Address banned by operator")
		s.writeSuccess(w, map[string]any{"result": "banned", "closed": closed})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBanByAddress handles /api/v1/bans/{address} endpoint
func (s *APIServer) handleBanByAddress(w http.ResponseWriter, r *http.Request) {
	addr := s.extractIDFromPath(r.URL.Path, Prefix+"/bans/")
	if addr == "" {
		s.writeError(w, http.StatusBadRequest, "Address is required")
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.backend.Unban(addr); err != nil {
		s.writeError(w, http.StatusNotFound, "Ban not found")
		return
	}
	log.Info().Str("remote_addr", addr).Msg("Address unbanned by operator")
	s.writeSuccess(w, map[string]string{"result": "unbanned"})
}

// handlePublish handles /api/v1/publish/{channel}. The body is a domain
// event in the same form the Redis bridge accepts.
func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	channel := s.extractIDFromPath(r.URL.Path, Prefix+"/publish/")
	if channel == "" {
		s.writeError(w, http.StatusBadRequest, "Channel is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	ev, err := protocol.DecodeEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	delivered, err := s.backend.Publish(channel, ev)
	if errors.Is(err, ErrUnknownChannel) {
		s.writeError(w, http.StatusNotFound, "Unknown channel")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"channel": channel, "type": ev.Type, "delivered": delivered})
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxLimit {
			limit = l
		}
	}

	return page, limit
}

func paginate(total, page, limit int) (int, int) {
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}
