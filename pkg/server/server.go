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

// Package server assembles the bias alert broadcast server: WebSocket
// admission, the per-connection read loop, HTTP endpoints and the
// supervised background workers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/turtacn/biasalert-go/pkg/admin"
	"github.com/turtacn/biasalert-go/pkg/auth"
	x509auth "github.com/turtacn/biasalert-go/pkg/auth/x509"
	"github.com/turtacn/biasalert-go/pkg/blacklist"
	"github.com/turtacn/biasalert-go/pkg/bridge"
	"github.com/turtacn/biasalert-go/pkg/broadcast"
	"github.com/turtacn/biasalert-go/pkg/config"
	"github.com/turtacn/biasalert-go/pkg/dashboard"
	"github.com/turtacn/biasalert-go/pkg/heartbeat"
	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/monitor"
	"github.com/turtacn/biasalert-go/pkg/ratelimit"
	"github.com/turtacn/biasalert-go/pkg/registry"
	"github.com/turtacn/biasalert-go/pkg/router"
	"github.com/turtacn/biasalert-go/pkg/supervisor"
	wstls "github.com/turtacn/biasalert-go/pkg/tls"
	"github.com/turtacn/biasalert-go/pkg/transport"
)

// Version is reported by the health endpoints.
var Version = "dev"

const (
	reasonClientGone = "client disconnected"
	handshakeIdle    = 10 * time.Minute
	pruneInterval    = time.Minute
	certExpiryWarn   = 30 * 24 * time.Hour
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNotStarted is returned by Dispose before Start.
	ErrNotStarted = errors.New("server not started")
)

// Deps are the collaborators injected into a Server. Nil fields are built
// from the configuration.
type Deps struct {
	// Verifier checks authentication tokens. Defaults to the tokens listed
	// in auth.tokens.
	Verifier auth.TokenVerifier
	// Dashboard answers get_dashboard_data. Defaults to the Redis snapshot
	// provider when redis.addr is set.
	Dashboard dashboard.Provider
	// Redis is shared by the bridge and the snapshot provider. Defaults to a
	// client for redis.addr.
	Redis redis.UniversalClient
}

// Stats is served on /stats.
type Stats struct {
	registry.Stats
	Bans        blacklist.Stats `json:"bans"`
	RateTracked int             `json:"rateTracked"`
	Uptime      string          `json:"uptime"`
}

// Server is the broadcast server.
type Server struct {
	cfg *config.Config

	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	handshakes *ratelimit.HandshakeGuard
	bans       *blacklist.BanList
	heartbeat  *heartbeat.Monitor
	gate       *auth.Gate
	router     *router.Router
	engine     *broadcast.Engine
	bridge     *bridge.Bridge
	cert       *wstls.CertificateInfo
	certAuth   *x509auth.Authenticator
	proxies    *transport.ProxyResolver
	health     *monitor.HealthChecker
	grpcHealth *monitor.GRPCHealth

	redis     redis.UniversalClient
	ownsRedis bool

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	http     *transport.Server
	sup      *supervisor.OneForOneSupervisor

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	stopped bool
	conns   sync.WaitGroup
}

// New builds a Server from cfg. Nothing listens until Start.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		limiter:    ratelimit.New(cfg.RateLimit.MaxMessagesPerMinute, time.Minute),
		handshakes: ratelimit.NewHandshakeGuard(cfg.Admission.HandshakesPerSecond, cfg.Admission.HandshakeBurst),
		bans:       blacklist.New(),
		health:     monitor.NewHealthChecker(Version),
		sup:        supervisor.NewOneForOneSupervisor(),
		mux:        http.NewServeMux(),
	}
	if err := s.bans.LoadStatic(cfg.RateLimit.Deny, "configured deny list"); err != nil {
		return nil, err
	}
	proxies, err := transport.NewProxyResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s.proxies = proxies

	s.registry = registry.New(registry.Options{
		MaxConnections: cfg.Server.MaxConnections,
		AuthRequired:   cfg.Server.AuthRequired,
		Bans:           s.bans,
		OnRemove:       s.onRemove,
	})
	s.heartbeat = heartbeat.New(s.registry, cfg.HeartbeatInterval())
	s.engine = broadcast.New(s.registry)

	verifier := deps.Verifier
	if verifier == nil {
		mv, err := cfg.BuildVerifier()
		if err != nil {
			return nil, err
		}
		verifier = mv
	}
	s.gate = auth.NewGate(auth.NewChain(verifier), s.registry, cfg.Server.AuthRequired, cfg.Auth.DefaultPermissions)
	if cfg.Auth.Certificate.Enabled {
		ca, err := x509auth.NewAuthenticator(cfg.Auth.Certificate)
		if err != nil {
			return nil, err
		}
		s.certAuth = ca
	}

	s.redis = deps.Redis
	if s.redis == nil && cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.ownsRedis = true
	}

	provider := deps.Dashboard
	if provider == nil {
		provider = dashboard.Unavailable()
		if s.redis != nil {
			provider = dashboard.NewRedisSnapshotProvider(s.redis, cfg.Dashboard.RedisKey)
		}
	}

	s.router = router.New(router.Options{
		Registry:    s.registry,
		Limiter:     s.limiter,
		Bans:        s.bans,
		Gate:        s.gate,
		Dashboard:   dashboard.WithTimeout(provider, cfg.DashboardTimeout()),
		Channels:    cfg.Server.Channels,
		BanDuration: cfg.BanDuration(),
	})

	if cfg.Bridge.Enabled && s.redis != nil {
		b, err := bridge.New(s.redis, s.engine, cfg.Bridge.Pattern, cfg.Server.Channels)
		if err != nil {
			return nil, err
		}
		s.bridge = b
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origins are checked before the upgrade so refusals are plain HTTP.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.http = transport.NewServer(s.mux)
	if cfg.Server.TLS.Enabled {
		tlsConfig, cert, err := wstls.Load(cfg.Server.TLS)
		if err != nil {
			return nil, err
		}
		s.http.UseTLS(tlsConfig)
		s.cert = cert
		log.Info().
			Str("subject", cert.Subject).
			Time("not_after", cert.NotAfter).
			Msg("Loaded TLS certificate")
	}
	s.registerChecks()
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerChecks() {
	s.health.RegisterCheck("capacity", func() error {
		max := s.cfg.Server.MaxConnections
		if max > 0 && s.registry.Count() >= max {
			return fmt.Errorf("at connection limit %d", max)
		}
		return nil
	}, false)

	if s.redis != nil {
		s.health.RegisterCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return s.redis.Ping(ctx).Err()
		}, s.bridge != nil)
	}

	if s.cert != nil {
		s.health.RegisterCheck("tls-certificate", wstls.ExpiryCheck(s.cert, certExpiryWarn, nil), false)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc(s.cfg.Server.Path, s.handleWebSocket)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/stats", s.handleStats)
	monitor.NewHealthServer(s.health).RegisterRoutes(s.mux)
	if s.cfg.Admin.Enabled {
		admin.NewAPIServer(newAdminBackend(s), s.cfg.Admin.Token).RegisterRoutes(s.mux)
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Publisher is the producer-facing broadcast API.
func (s *Server) Publisher() *broadcast.Engine {
	return s.engine
}

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Bans exposes the ban list.
func (s *Server) Bans() *blacklist.BanList {
	return s.bans
}

// Addr returns the HTTP listen address once started.
func (s *Server) Addr() net.Addr {
	return s.http.Addr()
}

// Start opens the listeners and launches the background workers. It
// returns once everything is listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := s.http.Start(s.cfg.Addr()); err != nil {
		cancel()
		return err
	}

	specs := []supervisor.Spec{
		{ID: "heartbeat", Run: s.heartbeat.Run, Restart: supervisor.RestartPermanent},
		{ID: "ban-cleanup", Run: func(ctx context.Context) error {
			return s.bans.RunCleanup(ctx, s.cfg.CleanupInterval())
		}, Restart: supervisor.RestartPermanent},
		{ID: "handshake-prune", Run: s.pruneHandshakes, Restart: supervisor.RestartPermanent},
		{ID: "health-checks", Run: func(ctx context.Context) error {
			return monitor.RunPeriodicChecks(ctx, s.health, s.cfg.CheckInterval())
		}, Restart: supervisor.RestartPermanent},
	}
	if s.bridge != nil {
		specs = append(specs, supervisor.Spec{
			ID: "redis-bridge", Run: s.bridge.Run, Restart: supervisor.RestartTransient, Backoff: 2 * time.Second,
		})
	}

	if port := s.cfg.Monitor.GRPCHealthPort; port > 0 {
		lis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Server.Host, fmt.Sprint(port)))
		if err != nil {
			cancel()
			_ = s.http.Stop(context.Background())
			return fmt.Errorf("listen grpc health: %w", err)
		}
		s.grpcHealth = monitor.NewGRPCHealth(s.health)
		specs = append(specs, supervisor.Spec{
			ID:      "grpc-health",
			Run:     func(context.Context) error { return s.grpcHealth.Serve(lis) },
			Restart: supervisor.RestartTemporary,
		})
	}

	if err := s.sup.Start(runCtx, specs); err != nil {
		cancel()
		_ = s.http.Stop(context.Background())
		return err
	}

	s.ctx, s.cancel = runCtx, cancel
	s.started = time.Now()
	s.health.RunChecks()
	s.health.SetReady(true)

	log.Info().
		Str("addr", s.Addr().String()).
		Str("path", s.cfg.Server.Path).
		Bool("auth_required", s.cfg.Server.AuthRequired).
		Int("max_connections", s.cfg.Server.MaxConnections).
		Msg("Broadcast server started")
	return nil
}

func (s *Server) pruneHandshakes(ctx context.Context) error {
	wait.UntilWithContext(ctx, func(context.Context) {
		if n := s.handshakes.Prune(handshakeIdle); n > 0 {
			log.Debug().Int("pruned", n).Msg("Pruned idle handshake buckets")
		}
	}, pruneInterval)
	return nil
}

// Dispose stops accepting connections, closes every live connection with a
// shutdown reason, stops the workers and releases Redis. It waits for
// connection goroutines until ctx is done.
func (s *Server) Dispose(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	if cancel == nil || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	s.mu.Unlock()

	s.health.SetReady(false)
	var errs []error
	if err := s.http.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http: %w", err))
	}

	closed := s.registry.CloseAll(transport.ReasonShutdown)
	log.Info().Int("connections", closed).Msg("Closed connections for shutdown")

	cancel()
	if s.grpcHealth != nil {
		s.grpcHealth.Stop()
	}
	s.sup.Wait()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	if s.ownsRedis {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	log.Info().Msg("Broadcast server stopped")
	return errors.Join(errs...)
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) onRemove(info registry.Info) {
	s.limiter.Forget(info.ID)
	metrics.ConnectionsActive.Dec()
	log.Info().
		Str("connection_id", info.ID).
		Str("remote_addr", info.Client.RemoteAddr).
		Dur("duration", time.Since(info.ConnectedAt)).
		Msg("Connection removed")
}

// Stats returns a summary of live state.
func (s *Server) Stats() Stats {
	st := Stats{
		Stats:       s.registry.Stats(),
		Bans:        s.bans.Stats(),
		RateTracked: s.limiter.Tracked(),
	}
	s.mu.Lock()
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	s.mu.Unlock()
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		log.Error().Err(err).Msg("Failed to encode stats")
	}
}
