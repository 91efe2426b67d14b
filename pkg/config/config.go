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

// Package config loads the broadcast server configuration from YAML or JSON
// files, with BIASALERT_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/biasalert-go/pkg/auth"
	x509auth "github.com/turtacn/biasalert-go/pkg/auth/x509"
	"github.com/turtacn/biasalert-go/pkg/protocol"
	wstls "github.com/turtacn/biasalert-go/pkg/tls"
)

// EnvPrefix prefixes every environment override, e.g. BIASALERT_SERVER_PORT.
const EnvPrefix = "BIASALERT"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	Host                string   `yaml:"host" json:"host"`
	Port                int      `yaml:"port" json:"port"`
	Path                string   `yaml:"path" json:"path"`
	HeartbeatIntervalMs int      `yaml:"heartbeatIntervalMs" json:"heartbeatIntervalMs" split_words:"true"`
	MaxConnections      int      `yaml:"maxConnections" json:"maxConnections" split_words:"true"`
	AuthRequired        bool     `yaml:"authRequired" json:"authRequired" split_words:"true"`
	AllowedOrigins      []string `yaml:"allowedOrigins,omitempty" json:"allowedOrigins" split_words:"true"`
	WriteTimeoutMs      int      `yaml:"writeTimeoutMs" json:"writeTimeoutMs" split_words:"true"`
	MaxMessageBytes     int64    `yaml:"maxMessageBytes" json:"maxMessageBytes" split_words:"true"`
	Channels            []string `yaml:"channels" json:"channels"`
	// TrustedProxies lists the IPs and CIDRs of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers name the real client.
	TrustedProxies      []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty" split_words:"true"`

	// TLS serves wss:// instead of ws:// when enabled.
	TLS wstls.Config `yaml:"tls" json:"tls"`
}

// RateLimitConfig configures per-connection message limits and bans.
type RateLimitConfig struct {
	MaxMessagesPerMinute int      `yaml:"maxMessagesPerMinute" json:"maxMessagesPerMinute" split_words:"true"`
	BanDurationMs        int      `yaml:"banDurationMs" json:"banDurationMs" split_words:"true"`
	CleanupIntervalMs    int      `yaml:"cleanupIntervalMs" json:"cleanupIntervalMs" split_words:"true"`
	Deny                 []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// AdmissionConfig configures the per-address handshake guard. Zero disables it.
type AdmissionConfig struct {
	HandshakesPerSecond float64 `yaml:"handshakesPerSecond" json:"handshakesPerSecond" split_words:"true"`
	HandshakeBurst      int     `yaml:"handshakeBurst" json:"handshakeBurst" split_words:"true"`
}

// TokenConfig is one accepted client token.
type TokenConfig struct {
	UserID      string   `yaml:"userId" json:"userId"`
	Token       string   `yaml:"token" json:"token"`
	Algorithm   string   `yaml:"algorithm" json:"algorithm"`
	Salt        string   `yaml:"salt,omitempty" json:"salt,omitempty"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
}

// AuthConfig represents the authentication configuration
type AuthConfig struct {
	DefaultPermissions []string      `yaml:"defaultPermissions" json:"defaultPermissions" split_words:"true"`
	Tokens             []TokenConfig `yaml:"tokens,omitempty" json:"tokens,omitempty" ignored:"true"`

	// Certificate authenticates clients from a verified mutual TLS
	// certificate at admission.
	Certificate x509auth.Config `yaml:"certificate" json:"certificate"`
}

// DashboardConfig configures dashboard data requests.
type DashboardConfig struct {
	TimeoutMs int    `yaml:"timeoutMs" json:"timeoutMs" split_words:"true"`
	RedisKey  string `yaml:"redisKey" json:"redisKey" split_words:"true"`
}

// RedisConfig configures the shared Redis client. An empty Addr disables
// every Redis-backed component.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// BridgeConfig configures the Redis event bridge.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// AdminConfig configures the operator REST API under /api/v1.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
}

// MonitorConfig configures health reporting.
type MonitorConfig struct {
	GRPCHealthPort  int `yaml:"grpcHealthPort" json:"grpcHealthPort" envconfig:"GRPC_HEALTH_PORT"`
	CheckIntervalMs int `yaml:"checkIntervalMs" json:"checkIntervalMs" split_words:"true"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit" split_words:"true"`
	Admission AdmissionConfig `yaml:"admission" json:"admission"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Bridge    BridgeConfig    `yaml:"bridge" json:"bridge"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Monitor   MonitorConfig   `yaml:"monitor" json:"monitor"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8085,
			Path:                "/ws",
			HeartbeatIntervalMs: 30000,
			MaxConnections:      1000,
			AuthRequired:        true,
			WriteTimeoutMs:      10000,
			MaxMessageBytes:     64 << 10,
			Channels:            append([]string(nil), protocol.DefaultChannels...),
		},
		RateLimit: RateLimitConfig{
			MaxMessagesPerMinute: 60,
			BanDurationMs:        300000,
			CleanupIntervalMs:    60000,
		},
		Admission: AdmissionConfig{
			HandshakesPerSecond: 5,
			HandshakeBurst:      20,
		},
		Auth: AuthConfig{
			DefaultPermissions: []string{"read:bias_alerts", "read:dashboard"},
		},
		Dashboard: DashboardConfig{
			TimeoutMs: 10000,
			RedisKey:  "bias:dashboard:snapshot",
		},
		Bridge: BridgeConfig{
			Pattern: "bias:events:*",
		},
		Monitor: MonitorConfig{
			CheckIntervalMs: 15000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads the configuration file at configPath over the defaults,
// applies environment overrides and validates the result. An empty path
// loads defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		ext := strings.ToLower(filepath.Ext(configPath))
		switch ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".json":
			err = json.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if configPath == "" {
		log.Info().Msg("No config file specified, using defaults and environment")
	} else {
		log.Info().Str("path", configPath).Msg("Configuration loaded")
	}
	return cfg, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(cfg *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	s := c.Server
	if s.Port < 0 || s.Port > 65535 {
		return invalid("server.port %d out of range", s.Port)
	}
	if !strings.HasPrefix(s.Path, "/") {
		return invalid("server.path %q must start with '/'", s.Path)
	}
	if s.HeartbeatIntervalMs <= 0 {
		return invalid("server.heartbeatIntervalMs must be positive")
	}
	if s.MaxConnections < 0 {
		return invalid("server.maxConnections cannot be negative")
	}
	if s.WriteTimeoutMs <= 0 {
		return invalid("server.writeTimeoutMs must be positive")
	}
	if s.MaxMessageBytes <= 0 {
		return invalid("server.maxMessageBytes must be positive")
	}
	if len(s.Channels) == 0 {
		return invalid("server.channels cannot be empty")
	}
	for _, ch := range s.Channels {
		if strings.TrimSpace(ch) == "" {
			return invalid("server.channels contains an empty name")
		}
	}

	for _, p := range s.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return invalid("server.trustedProxies entry %q is not an IP or CIDR", p)
			}
		}
	}
	if err := s.TLS.Validate(); err != nil {
		return invalid("server.tls: %v", err)
	}

	r := c.RateLimit
	if r.MaxMessagesPerMinute <= 0 {
		return invalid("rateLimit.maxMessagesPerMinute must be positive")
	}
	if r.BanDurationMs <= 0 {
		return invalid("rateLimit.banDurationMs must be positive")
	}
	if r.CleanupIntervalMs <= 0 {
		return invalid("rateLimit.cleanupIntervalMs must be positive")
	}
	for _, d := range r.Deny {
		if net.ParseIP(d) == nil {
			if _, _, err := net.ParseCIDR(d); err != nil {
				return invalid("rateLimit.deny entry %q is not an IP or CIDR", d)
			}
		}
	}

	if c.Admission.HandshakesPerSecond < 0 || c.Admission.HandshakeBurst < 0 {
		return invalid("admission limits cannot be negative")
	}
	if c.Admission.HandshakesPerSecond > 0 && c.Admission.HandshakeBurst == 0 {
		return invalid("admission.handshakeBurst must be positive when handshakesPerSecond is set")
	}

	users := make(map[string]bool)
	for i, tok := range c.Auth.Tokens {
		if tok.UserID == "" {
			return invalid("auth.tokens[%d]: userId cannot be empty", i)
		}
		if users[tok.UserID] {
			return invalid("auth.tokens: duplicate userId %s", tok.UserID)
		}
		users[tok.UserID] = true
		if tok.Token == "" {
			return invalid("auth.tokens[%s]: token cannot be empty", tok.UserID)
		}
		if err := validAlgorithm(tok.Algorithm); err != nil {
			return invalid("auth.tokens[%s]: %v", tok.UserID, err)
		}
	}

	if cert := c.Auth.Certificate; cert.Enabled {
		if !s.TLS.Enabled || s.TLS.Verify == "" || s.TLS.Verify == wstls.VerifyNone {
			return invalid("auth.certificate requires server.tls with client verification")
		}
		if err := cert.Validate(); err != nil {
			return invalid("auth.certificate: %v", err)
		}
	}

	if c.Dashboard.TimeoutMs <= 0 {
		return invalid("dashboard.timeoutMs must be positive")
	}
	if c.Bridge.Enabled {
		if c.Redis.Addr == "" {
			return invalid("bridge.enabled requires redis.addr")
		}
		if !strings.HasSuffix(c.Bridge.Pattern, "*") {
			return invalid("bridge.pattern %q must end with '*'", c.Bridge.Pattern)
		}
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		return invalid("admin.enabled requires admin.token")
	}
	if c.Monitor.GRPCHealthPort < 0 || c.Monitor.GRPCHealthPort > 65535 {
		return invalid("monitor.grpcHealthPort %d out of range", c.Monitor.GRPCHealthPort)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return invalid("log.format %q (supported: console, json)", c.Log.Format)
	}
	return nil
}

func validAlgorithm(algorithm string) error {
	switch auth.HashAlgorithm(algorithm) {
	case "", auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
		return nil
	}
	return fmt.Errorf("unsupported algorithm: %s (supported: plain, sha256, bcrypt)", algorithm)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, fmt.Sprint(c.Server.Port))
}

// HeartbeatInterval returns server.heartbeatIntervalMs as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return ms(c.Server.HeartbeatIntervalMs)
}

// WriteTimeout returns server.writeTimeoutMs as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return ms(c.Server.WriteTimeoutMs)
}

// BanDuration returns rateLimit.banDurationMs as a duration.
func (c *Config) BanDuration() time.Duration {
	return ms(c.RateLimit.BanDurationMs)
}

// CleanupInterval returns rateLimit.cleanupIntervalMs as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return ms(c.RateLimit.CleanupIntervalMs)
}

// DashboardTimeout returns dashboard.timeoutMs as a duration.
func (c *Config) DashboardTimeout() time.Duration {
	return ms(c.Dashboard.TimeoutMs)
}

// CheckInterval returns monitor.checkIntervalMs as a duration.
func (c *Config) CheckInterval() time.Duration {
	return ms(c.Monitor.CheckIntervalMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// BuildVerifier creates the in-memory token verifier from auth.tokens.
func (c *Config) BuildVerifier() (*auth.MemoryVerifier, error) {
	mv := auth.NewMemoryVerifier()
	for _, tok := range c.Auth.Tokens {
		err := mv.AddHashed(auth.TokenEntry{
			UserID:      tok.UserID,
			TokenHash:   tok.Token,
			Algorithm:   auth.HashAlgorithm(tok.Algorithm),
			Salt:        tok.Salt,
			Permissions: tok.Permissions,
			Enabled:     tok.Enabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add token for %s: %w", tok.UserID, err)
		}
	}
	log.Info().Int("tokens", len(c.Auth.Tokens)).Msg("Token verifier configured")
	return mv, nil
}

// AddToken appends a token entry. The token must already be hashed with
// algorithm.
func (c *Config) AddToken(entry TokenConfig) error {
	for _, tok := range c.Auth.Tokens {
		if tok.UserID == entry.UserID {
			return fmt.Errorf("user %s already has a token", entry.UserID)
		}
	}
	if err := validAlgorithm(entry.Algorithm); err != nil {
		return err
	}
	c.Auth.Tokens = append(c.Auth.Tokens, entry)
	return nil
}

// RemoveToken removes the token entry for userID.
func (c *Config) RemoveToken(userID string) error {
	for i, tok := range c.Auth.Tokens {
		if tok.UserID == userID {
			c.Auth.Tokens = append(c.Auth.Tokens[:i], c.Auth.Tokens[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", userID)
}
