package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/comfy-relay/backend/internal/config"
	"github.com/comfy-relay/backend/internal/ws"
)

// redisPublisher is the subset of *redis.Client the sink needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes text events on a pub/sub channel and preview frames on
// the same channel suffixed with ":preview".
type Redis struct {
	client  redisPublisher
	events  string
	preview string
}

// DialRedis parses the URL and checks the server answers PING.
func DialRedis(ctx context.Context, cfg config.RedisSinkConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedis(client, cfg.Channel), nil
}

func newRedis(client redisPublisher, channel string) *Redis {
	return &Redis{
		client:  client,
		events:  channel,
		preview: channel + ":preview",
	}
}

func (s *Redis) Publish(ctx context.Context, m ws.Message) error {
	channel := s.events
	if m.Binary {
		channel = s.preview
	}
	if err := s.client.Publish(ctx, channel, m.Data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) String() string {
	return "redis:" + s.events
}
