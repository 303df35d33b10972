package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Publisher sends notification payloads on a Redis pub/sub channel named by topic.
type Publisher struct {
	cli *redis.Client
}

func NewPublisher(cli *redis.Client) *Publisher {
	return &Publisher{cli: cli}
}

func (p *Publisher) PublishRaw(ctx context.Context, channel string, payload []byte) error {
	return p.cli.Publish(ctx, channel, payload).Err()
}
