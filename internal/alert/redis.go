package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/signalnine/capsulewatch/internal/protocol"
)

// Redis publishes alerts on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects lazily to addr; the first Send dials.
func NewRedis(addr, channel string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: addr}), channel)
}

func NewRedisWithClient(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Send(ctx context.Context, a protocol.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis alert: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis alert: publish to %s: %w", r.channel, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
