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

package monitor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ServiceName is the gRPC health service name reported for the broadcast
// server. The empty name reports the same status.
const ServiceName = "biasalert.BroadcastServer"

// DefaultCheckInterval is how often checks run in the background.
const DefaultCheckInterval = 15 * time.Second

// GRPCHealth serves grpc.health.v1.Health backed by a HealthChecker.
type GRPCHealth struct {
	checker *HealthChecker
	health  *health.Server
	server  *grpc.Server
}

// NewGRPCHealth creates the gRPC health service and keeps it in sync with
// checker.
func NewGRPCHealth(checker *HealthChecker) *GRPCHealth {
	g := &GRPCHealth{
		checker: checker,
		health:  health.NewServer(),
		server:  grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(g.server, g.health)
	g.set(checker.IsReady())
	checker.OnChange(g.set)
	return g
}

func (g *GRPCHealth) set(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Serve accepts gRPC connections on lis until Stop is called.
func (g *GRPCHealth) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

// RunPeriodicChecks runs checker every interval until ctx is done.
func RunPeriodicChecks(ctx context.Context, checker *HealthChecker, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	wait.UntilWithContext(ctx, func(context.Context) {
		if status := checker.RunChecks(); status.Status != StatusHealthy {
			log.Warn().Strs("errors", status.Errors).Msg("Health checks failing")
		}
	}, interval)
	return nil
}
