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

// Package transport provides the network layer of the broadcast server: the
// HTTP listener that carries WebSocket upgrades and the WebSocket connection
// adapter handed to the connection registry.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Server accepts HTTP connections on a TCP listener and serves handler.
type Server struct {
	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// NewServer creates and returns a new transport Server.
func NewServer(handler http.Handler) *Server {
	return &Server{
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// UseTLS makes Start serve TLS with cfg. It must be called before Start.
func (s *Server) UseTLS(cfg *tls.Config) {
	s.http.TLSConfig = cfg
}

// Start begins listening on addr. It starts the serve loop in a new
// goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.http.TLSConfig != nil {
			err = s.http.ServeTLS(ln, "", "")
		} else {
			err = s.http.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.http.TLSConfig != nil).Msg("HTTP server started")
	return nil
}

// Stop closes the listener and waits for in-flight HTTP requests. Hijacked
// WebSocket connections are not tracked here and must be closed by their
// owner.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	log.Info().Msg("HTTP server stopped")
	return err
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
