package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher fans entity changes out over Redis pub/sub, one channel
// per tenant so cross-node consumers can subscribe selectively.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, channelPrefix string, logger zerolog.Logger) *RedisPublisher {
	if channelPrefix == "" {
		channelPrefix = "ledgercore:events:"
	}
	return &RedisPublisher{
		client: client,
		prefix: channelPrefix,
		logger: logger.With().Str("component", "broadcast_redis").Logger(),
	}
}

func (r *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	raw, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+msg.TenantID, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisPublisher) Close() error { return nil }
