package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events to one Redis channel per stream so that every
// replica's subscribers receive them.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisBus wraps an existing client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb, log: slog.Default().With(slog.String("component", "redis_bus"))}
}

// DialRedis parses a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Topic(ev.StreamID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, streamID string) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, Topic(streamID))
	// wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	in := sub.Channel()
	var once sync.Once
	remove := func() { once.Do(func() { _ = sub.Close() }) }
	stop := context.AfterFunc(ctx, remove)

	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("redis subscriber panic", slog.Any("panic", r))
			}
		}()
		for msg := range in {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("discarding malformed event", slog.String("channel", msg.Channel), slog.Any("err", err))
				continue
			}
			select {
			case out <- ev:
			default:
				b.log.Debug("subscriber full, dropping event", slog.String("stream_id", streamID))
			}
		}
	}()
	return out, func() { stop(); remove() }, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error { return b.rdb.Close() }
