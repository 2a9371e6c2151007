// Package redis provides the cross-process clock-in lock.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/config"
)

// DefaultLockTTL bounds how long a crashed holder can block an employee.
const DefaultLockTTL = 10 * time.Second

// Client wraps a go-redis client.
type Client struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

// NewClient connects and pings with a 5s budget.
func NewClient(cfg *config.RedisConfig, logger *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr))

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ── Clock-in lock ──

const lockPrefix = "lock:"

// unlockScript deletes the key only while it still holds our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements clock.Locker with SET NX PX.
type Locker struct {
	client *Client
	ttl    time.Duration
}

var _ clock.Locker = (*Locker)(nil)

func NewLocker(client *Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: client, ttl: ttl}
}

func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := ulid.Make().String()
	ok, err := l.client.rdb.SetNX(ctx, lockPrefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// Release must survive the caller's cancellation.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := unlockScript.Run(rctx, l.client.rdb, []string{lockPrefix + key}, token).Err(); err != nil {
			l.client.logger.Warn("redis unlock failed", zap.String("key", key), zap.Error(err))
		}
	}
	return unlock, true, nil
}
