// Package queue carries remote run triggers over a Redis list. Consumers lease a message by
// moving it to a processing list and acknowledge it once the trigger has been handled.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the list triggers are pushed to.
const DefaultKey = "sensorwatch:triggers"

// Trigger asks the scheduler to start a run.
type Trigger struct {
	ID        string    `json:"id"`
	Requester string    `json:"requester,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Queued    time.Time `json:"queued"`
	// Attempt counts how often the trigger was recovered from an abandoned lease.
	Attempt int `json:"attempt"`
}

// Lease is a trigger taken off the queue. Ack removes it for good.
type Lease struct {
	Trigger Trigger
	Ack     func(ctx context.Context) error
}

type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	wait     time.Duration
}

func NewRedis(addr, key string, wait time.Duration) (*RedisQueue, error) {
	if key == "" {
		key = DefaultKey
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		cli.Close()
		return nil, err
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", wait: wait}, nil
}

// Lease blocks up to the queue's wait time for a trigger. A nil Lease with a nil error means
// the wait elapsed with nothing queued.
func (q *RedisQueue) Lease(ctx context.Context) (*Lease, error) {
	res, err := q.cli.BLMove(ctx, q.queueKey, q.procKey, "RIGHT", "LEFT", q.wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := Decode(res)
	if err != nil {
		// Poison message: drop it so it is not leased forever.
		q.cli.LRem(ctx, q.procKey, 1, res)
		return nil, err
	}
	return &Lease{Trigger: t, Ack: func(ctx context.Context) error {
		return q.cli.LRem(ctx, q.procKey, 1, res).Err()
	}}, nil
}

// Push queues a trigger.
func (q *RedisQueue) Push(ctx context.Context, t Trigger) error {
	if t.Queued.IsZero() {
		t.Queued = time.Now().UTC()
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

// Recover moves triggers left in the processing list by a crashed consumer back to the head of
// the queue, bumping their Attempt. Undecodable leftovers are dropped. Call it before leasing.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		res, err := q.cli.RPop(ctx, q.procKey).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		msg, err := retry(res)
		if err != nil {
			continue
		}
		if err := q.cli.RPush(ctx, q.queueKey, msg).Err(); err != nil {
			return n, err
		}
		n++
	}
}

// retry re-encodes an abandoned message with its attempt count bumped.
func retry(s string) (string, error) {
	t, err := Decode(s)
	if err != nil {
		return "", err
	}
	t.Attempt++
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Len reports how many triggers are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error { return q.cli.Ping(ctx).Err() }

func (q *RedisQueue) Close() error { return q.cli.Close() }

// Decode parses one queued message.
func Decode(s string) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return Trigger{}, fmt.Errorf("decode trigger: %w", err)
	}
	if t.ID == "" {
		return Trigger{}, errors.New("decode trigger: missing id")
	}
	return t, nil
}
