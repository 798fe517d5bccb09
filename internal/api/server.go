package api

import (
    "log"
    "strings"

    "hookrelay/internal/auth"
    "hookrelay/internal/config"
    "hookrelay/internal/store"
    "hookrelay/internal/webhooks"
)

type Server struct {
    Store      store.Store
    Dispatcher *webhooks.Dispatcher
    Queue      *webhooks.Queue
    Auth       *auth.Verifier
    Broker     *Broker
}

// NewServer wires the store, queue backend, and dispatcher from config.
// No DATABASE_URL means the in-memory store; no REDIS_URL means the
// in-process queue backend. Both fallbacks are logged loudly because they
// lose buffered state on restart.
func NewServer(cfg config.Config) (*Server, error) {
    var s store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        log.Printf("api: DATABASE_URL not set; using in-memory store (records are lost on restart)")
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        if cfg.Migrate {
            if err := sp.MigrateDir("db/migrations"); err != nil {
                log.Printf("api: migrate: %v", err)
            }
        }
        s = sp
    }

    var backend webhooks.Backend
    if strings.TrimSpace(cfg.RedisURL) != "" {
        rb, err := webhooks.NewRedisBackend(cfg.RedisURL)
        if err != nil {
            return nil, err
        }
        backend = rb
    } else {
        log.Printf("api: REDIS_URL not set; using in-process queue backend (buffered jobs are lost on restart)")
        backend = webhooks.NewMemoryBackend(cfg.Queue.NotifyBuffer)
    }

    client := webhooks.NewClient(cfg.Queue.DeliveryTimeout.Std(), cfg.Queue.MaxPerSecond)
    queue := webhooks.NewQueue(s, backend, client, webhooks.DefaultBackoff, webhooks.Config{
        Concurrency:   cfg.Queue.Concurrency,
        MaxAttempts:   cfg.Queue.MaxAttempts,
        SweepInterval: cfg.Queue.SweepInterval.Std(),
        SweepBatch:    cfg.Queue.SweepBatch,
        ClaimLease:    cfg.Queue.ClaimLease.Std(),
        ShutdownGrace: cfg.Queue.ShutdownGrace.Std(),
    })

    broker := NewBroker()
    queue.OnResult = broker.Publish

    return &Server{
        Store:      s,
        Dispatcher: webhooks.NewDispatcher(s, queue),
        Queue:      queue,
        Auth:       auth.NewVerifierFromEnv(),
        Broker:     broker,
    }, nil
}
