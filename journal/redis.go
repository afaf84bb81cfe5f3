package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/livefeed/feed"
	"github.com/b-open-io/livefeed/internal/utils"
)

// RedisJournal stores each topic's history in a sorted set keyed by sequence,
// with an INCR counter as the sequence authority.
type RedisJournal struct {
	client *redis.Client
}

// NewRedisJournal connects to Redis using a redis:// connection string.
func NewRedisJournal(connString string) (*RedisJournal, error) {
	log.Println("Connecting to Redis journal...", utils.SanitizeConnectionString(connString))
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisJournal{client: client}, nil
}

func seqKey(topic string) string { return "seq:" + topic }
func historyKey(topic string) string { return "journal:" + topic }

// appendScript allocates the next sequence and stores the event in one atomic
// step, so a failed write can never consume a sequence number and leave a
// hole in the history.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local member = '{"topic":' .. ARGV[1] .. ',"sequence":' .. seq .. ',"payload":' .. ARGV[2] .. '}'
redis.call('ZADD', KEYS[2], seq, member)
return seq
`)

func (r *RedisJournal) Append(ctx context.Context, topic string, payload json.RawMessage) (feed.Event, error) {
	topicJSON, err := json.Marshal(topic)
	if err != nil {
		return feed.Event{}, err
	}
	body := payload
	if len(body) == 0 {
		body = json.RawMessage("null")
	}

	seq, err := appendScript.Run(ctx, r.client,
		[]string{seqKey(topic), historyKey(topic)},
		string(topicJSON), string(body),
	).Int64()
	if err != nil {
		return feed.Event{}, err
	}
	return feed.Event{Topic: topic, Sequence: uint64(seq), Payload: payload}, nil
}

func (r *RedisJournal) After(ctx context.Context, topic string, after uint64, limit int) ([]feed.Event, error) {
	limit = clampLimit(limit)

	members, err := r.client.ZRangeByScore(ctx, historyKey(topic), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", after),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	events := make([]feed.Event, 0, len(members))
	for _, member := range members {
		var ev feed.Event
		if err := json.Unmarshal([]byte(member), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisJournal) Head(ctx context.Context, topic string) (uint64, error) {
	seq, err := r.client.Get(ctx, seqKey(topic)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return seq, err
}

func (r *RedisJournal) Close() error {
	return r.client.Close()
}
