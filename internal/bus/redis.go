package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/codec"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// DefaultChannelPrefix namespaces per-class pub/sub channels.
const DefaultChannelPrefix = "rollcall:class:"

// RedisBus publishes on one channel per class and subscribes to all of them
// with a single pattern subscription.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus wraps client. Empty prefix selects DefaultChannelPrefix.
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

// Publish encodes msg and publishes it on the class channel.
func (b *RedisBus) Publish(ctx context.Context, msg types.BusMessage) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+msg.ClassID, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", types.ErrStoreUnavailable, msg.ClassID, err)
	}
	return nil
}

// Subscribe starts a pattern subscription and waits for the server to
// confirm it, so messages published after return are never missed.
func (b *RedisBus) Subscribe(ctx context.Context) (interfaces.Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: psubscribe: %v", types.ErrStoreUnavailable, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan types.BusMessage, subscriberBuffer),
	}
	go sub.decodeLoop(b.prefix, b.logger)
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	ch        chan types.BusMessage
	closeOnce sync.Once
}

// decodeLoop converts raw redis messages until the pubsub is closed.
func (s *redisSubscription) decodeLoop(prefix string, logger *slog.Logger) {
	defer close(s.ch)

	for raw := range s.pubsub.Channel() {
		var msg types.BusMessage
		if err := codec.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			logger.Warn("discarding undecodable bus message", "channel", raw.Channel, "error", err)
			continue
		}
		if msg.ClassID == "" {
			msg.ClassID = strings.TrimPrefix(raw.Channel, prefix)
		}
		s.ch <- msg
	}
}

func (s *redisSubscription) Messages() <-chan types.BusMessage { return s.ch }

// Close ends the subscription; the message channel closes once drained.
func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
