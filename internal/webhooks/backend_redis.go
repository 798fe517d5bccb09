package webhooks

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

const redisJobsKey = "webhooks:deliveries"

// RedisBackend pushes delivery ids through a Redis list so queued
// notifications survive a process restart and can be shared by multiple
// delivery processes. Claim semantics still come from the store, so
// at-most-one-claim holds even with several consumers.
type RedisBackend struct {
    rdb    *redis.Client
    jobs   chan string
    cancel context.CancelFunc
    done   chan struct{}
    once   sync.Once
}

func NewRedisBackend(url string) (*RedisBackend, error) {
    opt, err := redis.ParseURL(url)
    if err != nil {
        return nil, err
    }
    rdb := redis.NewClient(opt)
    pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancelPing()
    if err := rdb.Ping(pingCtx).Err(); err != nil {
        _ = rdb.Close()
        return nil, err
    }
    ctx, cancel := context.WithCancel(context.Background())
    b := &RedisBackend{
        rdb:    rdb,
        jobs:   make(chan string, 64),
        cancel: cancel,
        done:   make(chan struct{}),
    }
    go b.consume(ctx)
    return b, nil
}

func (b *RedisBackend) Notify(ctx context.Context, id string) error {
    pushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return b.rdb.LPush(pushCtx, redisJobsKey, id).Err()
}

func (b *RedisBackend) Jobs() <-chan string { return b.jobs }

func (b *RedisBackend) consume(ctx context.Context) {
    defer close(b.done)
    defer close(b.jobs)
    for {
        vals, err := b.rdb.BRPop(ctx, 5*time.Second, redisJobsKey).Result()
        if err != nil {
            if errors.Is(err, redis.Nil) {
                continue
            }
            if ctx.Err() != nil {
                return
            }
            log.Printf("webhooks: redis backend pop: %v", err)
            select {
            case <-ctx.Done():
                return
            case <-time.After(time.Second):
            }
            continue
        }
        if len(vals) < 2 {
            continue
        }
        select {
        case b.jobs <- vals[1]:
        case <-ctx.Done():
            // Push the id back so another process can pick it up.
            reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
            _ = b.rdb.LPush(reqCtx, redisJobsKey, vals[1]).Err()
            cancel()
            return
        }
    }
}

func (b *RedisBackend) Close() error {
    b.once.Do(func() {
        b.cancel()
        <-b.done
        _ = b.rdb.Close()
    })
    return nil
}

func (b *RedisBackend) Name() string { return "redis" }
