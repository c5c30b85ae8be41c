package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Flags = (*RedisFlags)(nil)

// RedisFlags stores flags as plain keys with a TTL.
type RedisFlags struct {
	client *redis.Client
}

func NewRedisFlags(client *redis.Client) *RedisFlags {
	return &RedisFlags{client: client}
}

// Acquire uses SET NX so concurrent callers across replicas agree on one winner.
func (r *RedisFlags) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setting flag %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisFlags) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: clearing flag %s: %w", key, err)
	}
	return nil
}

// ConnectOptions controls how Connect dials and retries.
type ConnectOptions struct {
	Addr           string
	Password       string
	DB             int
	DialTimeout    time.Duration
	ConnectTimeout time.Duration // total time to keep retrying
	RetryInterval  time.Duration // first wait, doubled after each failure
	MaxWait        time.Duration
}

// DefaultConnectOptions fills in timeouts suitable for a local or LAN Redis.
func DefaultConnectOptions(addr, password string, db int) ConnectOptions {
	return ConnectOptions{
		Addr:           addr,
		Password:       password,
		DB:             db,
		DialTimeout:    5 * time.Second,
		ConnectTimeout: 30 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		MaxWait:        5 * time.Second,
	}
}

// Connect dials Redis and pings it until it answers or ConnectTimeout passes.
// Waits between pings grow exponentially up to MaxWait.
func Connect(ctx context.Context, opts ConnectOptions, logger *slog.Logger) (*redis.Client, error) {
	if opts.ConnectTimeout <= 0 || opts.RetryInterval <= 0 || opts.MaxWait <= 0 {
		return nil, fmt.Errorf("cache: connect timeouts must be > 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	logger.Info("connecting to redis", slog.String("addr", opts.Addr))
	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Info("connected to redis", slog.String("addr", opts.Addr), slog.Int("attempts", attempt))
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			client.Close()
			return nil, fmt.Errorf("cache: redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
			logger.Warn("redis connection failed, retrying",
				slog.String("addr", opts.Addr),
				slog.Int("attempt", attempt),
				slog.Duration("next_retry_in", wait),
				slog.String("error", err.Error()),
			)
			wait *= 2
			if wait > opts.MaxWait {
				wait = opts.MaxWait
			}
		}
	}
}
