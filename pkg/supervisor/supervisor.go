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

// Package supervisor runs the server's background workers and restarts them
// when they fail.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turtacn/biasalert-go/pkg/metrics"
)

// DefaultBackoff is the pause before a worker is restarted.
const DefaultBackoff = time.Second

// RestartStrategy defines the restart behavior for a supervised worker.
type RestartStrategy int

const (
	// RestartPermanent indicates that the worker should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the worker should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the worker should never be restarted.
	RestartTemporary
)

func (s RestartStrategy) String() string {
	switch s {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	}
	return fmt.Sprintf("RestartStrategy(%d)", int(s))
}

// Spec defines a worker managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the worker, used for logging and metrics.
	ID string
	// Run does the work. It should return when ctx is done.
	Run func(ctx context.Context) error
	// Restart defines the restart strategy for this worker.
	Restart RestartStrategy
	// Backoff is the delay before a restart. Defaults to DefaultBackoff.
	Backoff time.Duration
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of workers.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single worker dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every supervised worker has stopped for good.
	Wait()
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a worker terminates, only that worker is restarted.
type OneForOneSupervisor struct {
	wg sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{}
}

// Start launches the initial set of supervised workers. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no worker specs provided")
	}
	for _, spec := range specs {
		if spec.Run == nil {
			return fmt.Errorf("worker %s has no run function", spec.ID)
		}
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single worker in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until all workers have returned without being restarted.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild runs one worker, recovering panics and applying its restart
// strategy until the worker stops for good or ctx is done.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	backoff := spec.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	for {
		err := runWorker(ctx, spec)

		// If the supervisor's context is done, do not restart.
		if ctx.Err() != nil {
			log.Debug().Str("worker", spec.ID).Msg("Worker stopped")
			return
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		}

		if !shouldRestart {
			log.Info().Err(err).Str("worker", spec.ID).Stringer("strategy", spec.Restart).
				Msg("Worker terminated and will not be restarted")
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn().Err(err).Str("worker", spec.ID).Dur("backoff", backoff).Msg("Restarting worker")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func runWorker(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", spec.ID, r)
		}
	}()
	log.Debug().Str("worker", spec.ID).Msg("Starting worker")
	return spec.Run(ctx)
}
