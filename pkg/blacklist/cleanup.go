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

package blacklist

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultCleanupInterval is how often expired bans are purged when no
// interval is configured.
const DefaultCleanupInterval = time.Minute

// LoadStatic adds every configured deny entry, stopping at the first
// invalid one.
func (b *BanList) LoadStatic(values []string, reason string) error {
	for _, v := range values {
		if err := b.AddStatic(v, reason); err != nil {
			return err
		}
	}
	return nil
}

// RunCleanup purges expired bans every interval until ctx is done. Expiry is
// also enforced on lookup, so this only bounds memory.
func (b *BanList) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if removed := b.CleanupExpired(); removed > 0 {
			log.Debug().Int("removed", removed).Msg("Purged expired bans")
		}
	}, interval)
	return nil
}
