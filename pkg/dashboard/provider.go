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

// Package dashboard supplies dashboard snapshots requested by clients.
package dashboard

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when the provider does not answer in time.
	ErrTimeout = errors.New("dashboard provider timed out")
	// ErrUnavailable is returned when no snapshot source is configured or
	// no snapshot has been written yet.
	ErrUnavailable = errors.New("dashboard data unavailable")
)

// Provider produces a dashboard snapshot for the given filters.
type Provider interface {
	GetDashboardData(ctx context.Context, filters map[string]any) (any, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, filters map[string]any) (any, error)

// GetDashboardData calls f.
func (f ProviderFunc) GetDashboardData(ctx context.Context, filters map[string]any) (any, error) {
	return f(ctx, filters)
}

// Unavailable is a Provider that always fails with ErrUnavailable.
func Unavailable() Provider {
	return ProviderFunc(func(context.Context, map[string]any) (any, error) {
		return nil, ErrUnavailable
	})
}

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every call to p. The call is abandoned after d even if
// p ignores its context.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutProvider{next: p, timeout: d}
}

type result struct {
	data any
	err  error
}

func (t *timeoutProvider) GetDashboardData(ctx context.Context, filters map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		data, err := t.next.GetDashboardData(ctx, filters)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
