package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/codec"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// CachedResolver fronts a PrincipalResolver with a Redis cache
// TECHNICAL DISCOVERY: Every handshake resolves the principal, and reconnect
// storms after a deploy hit the durable store once per client otherwise
type CachedResolver struct {
	next   interfaces.PrincipalResolver
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps next. A nil logger discards output.
func NewCachedResolver(next interfaces.PrincipalResolver, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CachedResolver{next: next, client: client, ttl: ttl, logger: logger}
}

func principalKey(userID string) string { return "rollcall:principal:" + userID }

// LookupPrincipal serves from cache, falling back to the wrapped resolver.
// Cache failures degrade to a direct lookup and are never returned.
func (c *CachedResolver) LookupPrincipal(ctx context.Context, userID string) (types.Principal, error) {
	data, err := c.client.Get(ctx, principalKey(userID)).Bytes()
	if err == nil {
		var p types.Principal
		if codec.Unmarshal(data, &p) == nil {
			return p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("principal cache read failed", "user_id", userID, "error", err)
	}

	p, err := c.next.LookupPrincipal(ctx, userID)
	if err != nil {
		return types.Principal{}, err
	}

	if data, err := codec.Marshal(p); err == nil {
		if err := c.client.Set(ctx, principalKey(userID), data, c.ttl).Err(); err != nil {
			c.logger.Warn("principal cache write failed", "user_id", userID, "error", err)
		}
	}
	return p, nil
}
