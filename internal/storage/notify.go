package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ideaflow/syncd/internal/logging"
)

// RedisNotifier broadcasts storage changes over a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

func NewRedisNotifier(client *redis.Client, channel string, logger *zap.SugaredLogger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, logger: logging.OrNop(logger)}
}

func (n *RedisNotifier) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe blocks, calling fn for each change, until ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(Change)) error {
	ps := n.client.Subscribe(ctx, n.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				n.logger.Warnf("storage: drop malformed change notification: %v", err)
				continue
			}
			fn(change)
		}
	}
}
