package dedup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "sensorwatch:flagged:"

// Redis keeps flagged addresses across restarts and across replicas sharing one Redis.
type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	log        *zap.SugaredLogger
	errorCount atomic.Int64
}

func NewRedis(addr string, ttl time.Duration, log *zap.SugaredLogger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		cli.Close()
		return nil, err
	}
	return &Redis{cli: cli, ttl: ttl, log: log}, nil
}

func (r *Redis) Seen(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, keyPrefix+key, time.Now().UTC().Unix(), r.ttl).Result()
	if err != nil {
		n := r.errorCount.Add(1)
		if n%100 == 1 {
			r.log.Warnw("redis dedup error", "count", n, "err", err)
		}
		// unknown counts as seen so an outage doesn't mark every address as new
		return true
	}
	return !ok
}

// Ping is used by the health checker.
func (r *Redis) Ping(ctx context.Context) error { return r.cli.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.cli.Close() }
