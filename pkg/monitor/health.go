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

// Package monitor exposes the server's health over HTTP probes and the
// standard gRPC health service.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	checkPassed  = "passed"
	checkFailed  = "failed"
	checkUnknown = "unknown"
)

// Default thresholds for the built-in runtime checks.
const (
	DefaultMaxGoroutines = 50000
	DefaultMaxHeapBytes  = 4 << 30
)

// HealthChecker runs named checks and keeps the last outcome.
type HealthChecker struct {
	mu sync.RWMutex

	healthy   bool
	ready     bool
	lastCheck time.Time
	errors    []string
	memStats  runtime.MemStats

	checks    map[string]HealthCheck
	listeners []func(healthy bool)
	started   time.Time
	version   string
}

// HealthCheck is a registered check.
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
	Enabled     bool
}

// HealthStatus is the detailed report served on /health/detailed.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    int64                  `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	Errors    []string               `json:"errors,omitempty"`
	Runtime   RuntimeInfo            `json:"runtime"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// RuntimeInfo is a small slice of runtime statistics.
type RuntimeInfo struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// NewHealthChecker creates a checker with the goroutine and heap checks
// registered. The checker starts healthy but not ready.
func NewHealthChecker(version string) *HealthChecker {
	hc := &HealthChecker{
		healthy: true,
		checks:  make(map[string]HealthCheck),
		started: time.Now(),
		version: version,
	}

	hc.RegisterCheck("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > DefaultMaxGoroutines {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	hc.RegisterCheck("memory", func() error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.HeapAlloc > DefaultMaxHeapBytes {
			return fmt.Errorf("high heap usage: %d bytes", m.HeapAlloc)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers or replaces a check. A failing critical check
// makes the server unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// SetEnabled toggles a check without removing it.
func (hc *HealthChecker) SetEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if check, exists := hc.checks[name]; exists {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// OnChange registers fn to be called with the overall health after every
// RunChecks.
func (hc *HealthChecker) OnChange(fn func(healthy bool)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.listeners = append(hc.listeners, fn)
}

// SetReady marks whether the server accepts traffic.
func (hc *HealthChecker) SetReady(ready bool) {
	hc.mu.Lock()
	hc.ready = ready
	listeners := append([]func(bool){}, hc.listeners...)
	serving := hc.healthy && hc.ready
	hc.mu.Unlock()

	for _, fn := range listeners {
		fn(serving)
	}
}

// RunChecks executes all enabled checks and returns the detailed status.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()

	now := time.Now()
	hc.lastCheck = now
	runtime.ReadMemStats(&hc.memStats)

	healthy := true
	var criticalErrors []string
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		start := time.Now()
		err := check.CheckFunc()
		if elapsed := time.Since(start); elapsed > time.Second {
			log.Warn().Str("check", name).Dur("elapsed", elapsed).Msg("Slow health check")
		}

		check.LastChecked = now
		check.LastError = err
		hc.checks[name] = check

		if err != nil && check.Critical {
			criticalErrors = append(criticalErrors, fmt.Sprintf("%s: %v", name, err))
			healthy = false
		}
	}
	sort.Strings(criticalErrors)

	hc.healthy = healthy
	hc.errors = criticalErrors
	status := hc.statusLocked()
	listeners := append([]func(bool){}, hc.listeners...)
	serving := hc.healthy && hc.ready
	hc.mu.Unlock()

	for _, fn := range listeners {
		fn(serving)
	}
	return status
}

// GetStatus returns the status of the last run without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked()
}

// IsHealthy reports the outcome of the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// IsReady reports whether the server is healthy and accepting traffic.
func (hc *HealthChecker) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy && hc.ready
}

func (hc *HealthChecker) statusLocked() HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		result := CheckResult{Status: checkUnknown, LastChecked: check.LastChecked, Critical: check.Critical}
		if !check.LastChecked.IsZero() {
			result.Status = checkPassed
			if check.LastError != nil {
				result.Status = checkFailed
				result.Message = check.LastError.Error()
			}
		}
		results[name] = result
	}

	status := StatusUnhealthy
	if hc.healthy {
		status = StatusHealthy
	}
	return HealthStatus{
		Status:    status,
		Timestamp: hc.lastCheck,
		Uptime:    int64(time.Since(hc.started).Seconds()),
		Version:   hc.version,
		Checks:    results,
		Errors:    hc.errors,
		Runtime: RuntimeInfo{
			HeapAlloc:  hc.memStats.HeapAlloc,
			Sys:        hc.memStats.Sys,
			NumGC:      hc.memStats.NumGC,
			Goroutines: runtime.NumGoroutine(),
			GoVersion:  runtime.Version(),
			NumCPU:     runtime.NumCPU(),
		},
	}
}

// HealthServer provides HTTP endpoints for health checking
type HealthServer struct {
	checker *HealthChecker
}

// NewHealthServer creates a new health server instance
func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes registers health check routes
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
	mux.HandleFunc("/health/detailed", hs.handleDetailedHealth)
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if !hs.checker.IsHealthy() {
		body["status"] = StatusUnhealthy
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.checker.IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable"))
}

func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hs.checker.RunChecks()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}
