// Package redis publishes engine events and state over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/events"
)

// ErrCacheMiss indicates the key was not found.
var ErrCacheMiss = errors.New("cache miss")

const snapshotKey = "vmplacer:snapshot"

var _ events.Sink = (*Publisher)(nil)

// Publisher wraps a Redis client for event fan-out.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewPublisher creates a new Redis connection.
func NewPublisher(cfg config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Address()),
		zap.String("channel", cfg.Channel),
	)

	return NewPublisherFromClient(client, cfg.Channel, logger), nil
}

// NewPublisherFromClient wraps an existing client.
func NewPublisherFromClient(client *redis.Client, channel string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis-publisher")),
	}
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Health checks if Redis is reachable.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// =============================================================================
// Pub/Sub
// =============================================================================

// Publish sends an event on the configured channel.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscribe subscribes to the event channel and returns a message channel.
func (p *Publisher) Subscribe(ctx context.Context) <-chan events.Event {
	pubsub := p.client.Subscribe(ctx, p.channel)
	out := make(chan events.Event, 100)

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e events.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					p.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// =============================================================================
// State
// =============================================================================

// StoreSnapshot stores the latest engine snapshot so other processes can read it.
func (p *Publisher) StoreSnapshot(ctx context.Context, snapshot any, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return p.client.Set(ctx, snapshotKey, data, ttl).Err()
}

// LoadSnapshot reads the stored engine snapshot into dest.
func (p *Publisher) LoadSnapshot(ctx context.Context, dest any) error {
	val, err := p.client.Get(ctx, snapshotKey).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}
	return json.Unmarshal([]byte(val), dest)
}
