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

// Package bridge feeds events produced by the analysis pipeline into the
// broadcast engine. Producers publish event envelopes on Redis channels named
// "<prefix><channel>", e.g. "bias:events:bias_alerts".
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/turtacn/biasalert-go/pkg/broadcast"
	"github.com/turtacn/biasalert-go/pkg/metrics"
	"github.com/turtacn/biasalert-go/pkg/protocol"
)

// DefaultPattern is the Redis pattern the bridge subscribes to.
const DefaultPattern = "bias:events:*"

// ErrUnknownChannel is returned for messages addressed to a channel the
// server does not serve.
var ErrUnknownChannel = errors.New("unknown broadcast channel")

// PatternSubscriber is the subset of redis.UniversalClient the bridge uses.
type PatternSubscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Bridge relays Redis pub/sub messages to a broadcast.Publisher.
type Bridge struct {
	client    PatternSubscriber
	publisher broadcast.Publisher
	pattern   string
	prefix    string
	channels  map[string]bool
}

// New creates a new Bridge. An empty pattern selects DefaultPattern; the
// pattern must end in "*" so the suffix can name the channel.
func New(client PatternSubscriber, publisher broadcast.Publisher, pattern string, channels []string) (*Bridge, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !strings.HasSuffix(pattern, "*") {
		return nil, fmt.Errorf("bridge pattern %q must end with '*'", pattern)
	}
	if len(channels) == 0 {
		channels = protocol.DefaultChannels
	}
	b := &Bridge{
		client:    client,
		publisher: publisher,
		pattern:   pattern,
		prefix:    strings.TrimSuffix(pattern, "*"),
		channels:  make(map[string]bool, len(channels)),
	}
	for _, ch := range channels {
		b.channels[ch] = true
	}
	return b, nil
}

// Handle publishes one Redis message. It returns the number of connections
// that received the event.
func (b *Bridge) Handle(msg *redis.Message) (int, error) {
	channel := strings.TrimPrefix(msg.Channel, b.prefix)
	if !b.channels[channel] {
		metrics.BridgeMessagesTotal.WithLabelValues("dropped").Inc()
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}

	ev, err := protocol.DecodeEvent([]byte(msg.Payload))
	if err != nil {
		metrics.BridgeMessagesTotal.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("decode event on %s: %w", msg.Channel, err)
	}

	metrics.BridgeMessagesTotal.WithLabelValues("published").Inc()
	return b.publisher.Publish(channel, ev), nil
}

// Run subscribes and relays messages until ctx is done. A lost subscription
// is returned as an error so the supervisor can restart the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, b.pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.pattern, err)
	}
	log.Info().Str("pattern", b.pattern).Msg("Redis bridge subscribed")

	return b.consume(ctx, ps.Channel())
}

func (b *Bridge) consume(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			delivered, err := b.Handle(msg)
			if err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping bridged message")
				continue
			}
			log.Debug().Str("channel", msg.Channel).Int("delivered", delivered).Msg("Bridged event")
		}
	}
}
