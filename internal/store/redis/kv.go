// Package redis provides a Redis-hash key-value store used to persist
// brokerage credentials when several proxy instances share one state.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const defaultHashKey = "theoros:credentials"

// Config configures the Redis store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	HashKey  string // defaults to "theoros:credentials"
}

// Breaker defaults: after three consecutive failures Redis calls fail fast
// for ten seconds.
const (
	breakerFailures = 3
	breakerCooldown = 10 * time.Second
)

// KV keeps all values as fields of one Redis hash. Save writes only the
// fields it is given, inside MULTI/EXEC. Calls go through a Breaker so an
// unreachable server does not stall every token refresh.
type KV struct {
	client  *goredis.Client
	key     string
	breaker *Breaker
}

// Client returns the underlying Redis client for health checks.
func (s *KV) Client() *goredis.Client { return s.client }

// New creates a Redis KV and pings the server.
func New(cfg Config) (*KV, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewWithClient(client, cfg.HashKey), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, hashKey string) *KV {
	if hashKey == "" {
		hashKey = defaultHashKey
	}
	addr := client.Options().Addr
	breaker := NewBreaker(breakerFailures, breakerCooldown)
	breaker.OnStateChange = func(from, to State) {
		slog.Warn("redis circuit breaker", "addr", addr, "from", from.String(), "to", to.String())
	}
	slog.Info("redis credential store ready", "addr", addr, "key", hashKey)
	return &KV{client: client, key: hashKey, breaker: breaker}
}

// Load returns every field of the hash. A missing key is an empty store.
func (s *KV) Load(ctx context.Context) (map[string]string, error) {
	var values map[string]string
	err := s.breaker.Do(func() error {
		var err error
		values, err = s.client.HGetAll(ctx, s.key).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}
	return values, nil
}

// Save sets the given fields atomically.
func (s *KV) Save(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	err := s.breaker.Do(func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, s.key, args...)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", s.key, err)
	}
	return nil
}

// Close closes the client.
func (s *KV) Close() error {
	return s.client.Close()
}
