package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired holder cannot release a lock taken over by another instance.
var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig controls the lock client
type RedisConfig struct {
	Addr       string
	Key        string
	TTL        time.Duration
	RetryEvery time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.Key == "" {
		out.Key = "livecall:assign-lock"
	}
	if out.TTL <= 0 {
		out.TTL = 5 * time.Second
	}
	if out.RetryEvery <= 0 {
		out.RetryEvery = 25 * time.Millisecond
	}
	return out
}

// Redis is a single-key mutex shared by all instances through SET NX PX
type Redis struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

// NewRedis connects and validates connectivity via PING.
func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Str("key", cfg.Key).Msg("redis assignment lock enabled")

	return &Redis{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With().Str("component", "lock").Logger(),
	}, nil
}

// Lock spins on SET NX until acquired. The TTL bounds how long a crashed
// holder can block the others.
func (l *Redis) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.cfg.RetryEvery)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, l.cfg.Key, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return func() { l.release(token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Redis) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.rdb, []string{l.cfg.Key}, token).Err(); err != nil {
		l.logger.Warn().Err(err).Msg("failed to release lock, it will expire")
	}
}

func (l *Redis) Close() error {
	return l.rdb.Close()
}
