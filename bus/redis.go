package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/livefeed/feed"
)

const channelPrefix = "feed:"

// RedisBus implements Bus over Redis pub/sub, letting multiple server nodes
// share one live event stream. Events travel as JSON.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a Redis-backed bus from a redis:// connection string.
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

func (r *RedisBus) Publish(ctx context.Context, ev feed.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelPrefix+ev.Topic, payload).Err()
}

func (r *RedisBus) Subscribe(ctx context.Context, topics []string) (<-chan feed.Event, error) {
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = channelPrefix + t
	}

	pubsub := r.client.Subscribe(ctx, channels...)
	events := make(chan feed.Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var ev feed.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Error("Invalid event payload on bus", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

func (r *RedisBus) Close() error {
	return r.client.Close()
}
