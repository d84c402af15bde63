// Package redis implements the broadcast transport over Redis pub/sub. All
// instances of the same profile subscribe to one named channel; Redis does the
// fan-out.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/bus"
	"github.com/phoenix-apps/phoenix-sync/internal/config"
)

// Transport implements bus.Transport over a Redis pub/sub channel.
type Transport struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	origin  string
	logger  zerolog.Logger

	mu      sync.RWMutex
	handler bus.Handler

	closeOnce sync.Once
}

// Open connects to Redis and subscribes to the broadcast channel.
func Open(cfg config.RedisConfig, channel string, logger zerolog.Logger) (*Transport, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	t := &Transport{
		client:  client,
		pubsub:  client.Subscribe(context.Background(), channel),
		channel: channel,
		origin:  bus.NewOriginID(),
		logger:  logger.With().Str("component", "redis-bus").Str("channel", channel).Logger(),
	}

	go t.receive()

	return t, nil
}

// Publish sends a message to every subscriber of the channel. The subscriber
// loop drops messages carrying this transport's own origin, so the publisher
// never sees its own message.
func (t *Transport) Publish(ctx context.Context, msg bus.Message) error {
	data, err := bus.NewEnvelope(t.origin, msg).Encode()
	if err != nil {
		return err
	}

	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Handle registers the demultiplexing handler for received messages.
func (t *Transport) Handle(fn bus.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Close unsubscribes and releases the Redis connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if cerr := t.pubsub.Close(); cerr != nil {
			err = cerr
		}
		if cerr := t.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// receive pumps the subscription until the pubsub is closed.
func (t *Transport) receive() {
	for m := range t.pubsub.Channel() {
		env, err := bus.DecodeEnvelope([]byte(m.Payload))
		if err != nil {
			t.logger.Warn().Err(err).Msg("Dropping malformed broadcast")
			continue
		}

		if env.Origin == t.origin {
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler != nil {
			handler(env.Message)
		}
	}
}
