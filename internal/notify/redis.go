package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Event is the payload published for the chat layer.
type Event struct {
	Recipient Recipient `json:"recipient"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// RedisPublisher publishes each message as a JSON Event on a Redis channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	now     func() time.Time
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, now: time.Now}
}

func (p *RedisPublisher) Notify(ctx context.Context, to Recipient, text string) error {
	payload, err := json.Marshal(Event{Recipient: to, Text: text, At: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}
