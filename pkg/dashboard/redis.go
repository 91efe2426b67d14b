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

package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where the analytics engine writes the latest snapshot.
const DefaultRedisKey = "bias:dashboard:snapshot"

// FilterTimeRange selects a per-range snapshot, stored under
// "<key>:<timeRange>".
const FilterTimeRange = "timeRange"

// RedisGetter is the subset of redis.Cmdable the snapshot provider uses.
type RedisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSnapshotProvider serves snapshots that the analytics engine stores in
// Redis as JSON documents.
type RedisSnapshotProvider struct {
	client RedisGetter
	key    string
}

// NewRedisSnapshotProvider creates a new RedisSnapshotProvider
func NewRedisSnapshotProvider(client RedisGetter, key string) *RedisSnapshotProvider {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSnapshotProvider{client: client, key: key}
}

// GetDashboardData reads the snapshot for the requested time range, falling
// back to the unscoped snapshot when no per-range one exists.
func (p *RedisSnapshotProvider) GetDashboardData(ctx context.Context, filters map[string]any) (any, error) {
	if tr, ok := filters[FilterTimeRange].(string); ok && tr != "" {
		data, err := p.load(ctx, p.key+":"+tr)
		if !errors.Is(err, ErrUnavailable) {
			return data, err
		}
	}
	return p.load(ctx, p.key)
}

func (p *RedisSnapshotProvider) load(ctx context.Context, key string) (any, error) {
	raw, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}

	var snapshot any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snapshot, nil
}
