package signal

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisRelay carries signaling over Redis pub/sub. Each Subscribe opens a
// dedicated subscriber connection, so the publisher's own messages come
// back on its subscription — the Channel layer filters those.
type RedisRelay struct {
	client *redis.Client
}

// RedisOptions configures the relay connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisRelay connects to Redis and verifies the connection with a ping.
func NewRedisRelay(ctx context.Context, opts RedisOptions) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("signal: connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisRelay{client: client}, nil
}

// Subscribe starts a SUBSCRIBE on topic and pumps messages to fn until
// canceled.
func (r *RedisRelay) Subscribe(ctx context.Context, topic string, fn func(data []byte)) (func(), error) {
	ps := r.client.Subscribe(ctx, topic)
	// Receive the subscription confirmation so messages published right
	// after Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("signal: subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range ps.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				log.Printf("SIGNAL: redis unsubscribe %s: %v", topic, err)
			}
		})
	}
	return cancel, nil
}

// Publish broadcasts data on topic.
func (r *RedisRelay) Publish(ctx context.Context, topic string, data []byte) error {
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("signal: publish %s: %w", topic, err)
	}
	return nil
}

// Close shuts the Redis client down.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
