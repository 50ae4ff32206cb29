package guard

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const DefaultLockTTL = 3 * time.Minute

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	Key        string
	TTL        time.Duration
}

// Redis holds a SETNX lock so two processes never execute the same
// strategy at once. The TTL bounds how long a crashed holder blocks others.
type Redis struct {
	rdb      *redis.Client
	key      string
	ttl      time.Duration
	unlockSc *redis.Script
	logger   *logrus.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *logrus.Logger) (*Redis, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisWithClient(rdb, cfg.Key, cfg.TTL, logger), nil
}

func NewRedisWithClient(rdb *redis.Client, key string, ttl time.Duration, logger *logrus.Logger) *Redis {
	if key == "" {
		key = "triarb:inflight"
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		rdb:      rdb,
		key:      "lock:" + key,
		ttl:      ttl,
		unlockSc: redis.NewScript(unlockLua),
		logger:   logger,
	}
}

func (r *Redis) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()

	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: acquire lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the attempt context may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.unlockSc.Run(ctx, r.rdb, []string{r.key}, token).Err(); err != nil {
				// other processes stay blocked until the TTL runs out
				r.logger.WithError(err).WithFields(logrus.Fields{
					"key": r.key,
					"ttl": r.ttl.String(),
				}).Error("Failed to release in-flight lock")
			}
		})
	}
	return release, true, nil
}

// Busy reports whether any process holds the lock. Errors read as not busy;
// TryAcquire stays authoritative.
func (r *Redis) Busy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := r.rdb.Exists(ctx, r.key).Result()
	return err == nil && n > 0
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
