package webhooks

import (
    "context"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "hookrelay/internal/metrics"
    "hookrelay/internal/store"
)

// Backend is the transport that moves delivery job ids from enqueuers to
// workers. Claim atomicity lives in the store, so a duplicate or lost
// notification is harmless: duplicates lose the claim race and the periodic
// sweep re-discovers anything dropped.
type Backend interface {
    // Notify makes id available to a worker.
    Notify(ctx context.Context, id string) error
    // Jobs is the stream workers consume. Closed after Close.
    Jobs() <-chan string
    Close() error
    Name() string
}

// Config tunes the delivery queue. Zero values fall back to defaults.
type Config struct {
    Concurrency   int
    MaxAttempts   int
    SweepInterval time.Duration
    SweepBatch    int
    ClaimLease    time.Duration
    ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
    if c.Concurrency <= 0 { c.Concurrency = 10 }
    if c.MaxAttempts <= 0 { c.MaxAttempts = 3 }
    if c.SweepInterval <= 0 { c.SweepInterval = 60 * time.Second }
    if c.SweepBatch <= 0 { c.SweepBatch = 100 }
    if c.ClaimLease <= 0 { c.ClaimLease = 30 * time.Second }
    if c.ShutdownGrace <= 0 { c.ShutdownGrace = 5 * time.Second }
    return c
}

// Stats is the administrative view of the queue.
type Stats struct {
    Waiting   int    `json:"waiting"`
    Retrying  int    `json:"retrying"`
    Active    int    `json:"active"`
    Delivered int    `json:"delivered"`
    Failed    int    `json:"failed"`
    Paused    bool   `json:"paused"`
    Backend   string `json:"backend"`
}

// DeliveryEvent is published after every resolved attempt so observers
// (the admin stream) can follow outcomes live.
type DeliveryEvent struct {
    DeliveryID     string `json:"deliveryId"`
    SubscriptionID string `json:"subscriptionId"`
    CompanyID      string `json:"companyId"`
    EventType      string `json:"eventType"`
    Status         string `json:"status"`
    Attempts       int    `json:"attempts"`
    StatusCode     int    `json:"statusCode,omitempty"`
    Error          string `json:"error,omitempty"`
}

// Queue runs the fixed-size worker pool that executes delivery attempts.
// One Queue instance is constructed at process start and owns its workers'
// lifecycle; there is no process-global state.
type Queue struct {
    store   store.Store
    backend Backend
    client  *Client
    backoff Backoff
    cfg     Config

    // OnResult, when set before Start, receives an event per resolved
    // attempt.
    OnResult func(DeliveryEvent)

    paused atomic.Bool
    active atomic.Int64
    stopCh chan struct{}
    wg     sync.WaitGroup
    once   sync.Once
}

func NewQueue(s store.Store, backend Backend, client *Client, backoff Backoff, cfg Config) *Queue {
    return &Queue{
        store:   s,
        backend: backend,
        client:  client,
        backoff: backoff,
        cfg:     cfg.withDefaults(),
        stopCh:  make(chan struct{}),
    }
}

// Start launches the worker pool and the periodic sweep. The sweep also runs
// once immediately so records left due by a previous process are picked up
// without waiting a full interval.
func (q *Queue) Start() {
    for i := 0; i < q.cfg.Concurrency; i++ {
        q.wg.Add(1)
        go q.workerLoop()
    }
    q.wg.Add(1)
    go q.sweepLoop()
    log.Printf("webhooks: queue started (backend=%s concurrency=%d maxAttempts=%d)", q.backend.Name(), q.cfg.Concurrency, q.cfg.MaxAttempts)
}

// Stop closes the claim path and waits up to the shutdown grace period for
// in-flight attempts. Abandoned attempts stay pending/retrying and are
// reclaimed by the sweep on next startup, so stopping is always safe.
func (q *Queue) Stop() {
    q.once.Do(func() { close(q.stopCh) })
    _ = q.backend.Close()

    done := make(chan struct{})
    go func() {
        q.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
        log.Printf("webhooks: queue stopped cleanly")
    case <-time.After(q.cfg.ShutdownGrace):
        log.Printf("webhooks: queue stop grace period elapsed; abandoning %d in-flight attempts", q.active.Load())
    }
}

// Enqueue notifies the backend about a new or re-armed delivery. Failures
// are logged, not returned: the sweep guarantees eventual pickup.
func (q *Queue) Enqueue(ctx context.Context, id string) {
    if err := q.backend.Notify(ctx, id); err != nil {
        log.Printf("webhooks: enqueue %s: %v (sweep will recover)", id, err)
    }
}

// Pause stops workers from claiming new jobs. Queued state is kept.
func (q *Queue) Pause() {
    q.paused.Store(true)
    log.Printf("webhooks: queue paused")
}

// Resume lets workers claim jobs again.
func (q *Queue) Resume() {
    q.paused.Store(false)
    log.Printf("webhooks: queue resumed")
}

// RetryDeadLetter re-arms up to limit failed records back to retrying with
// attempts reset to zero, and notifies the backend for each. Returns how
// many records were re-armed.
func (q *Queue) RetryDeadLetter(ctx context.Context, limit int) (int, error) {
    ids, err := q.store.ReArmFailedDeliveries(ctx, limit)
    if err != nil {
        return 0, err
    }
    for _, id := range ids {
        q.Enqueue(ctx, id)
    }
    if len(ids) > 0 {
        log.Printf("webhooks: re-armed %d dead-letter deliveries", len(ids))
    }
    return len(ids), nil
}

// Metrics returns per-status record counts plus live worker state.
func (q *Queue) Metrics(ctx context.Context) (Stats, error) {
    counts, err := q.store.CountDeliveriesByStatus(ctx)
    if err != nil {
        return Stats{}, err
    }
    st := Stats{
        Waiting:   counts["pending"],
        Retrying:  counts["retrying"],
        Active:    int(q.active.Load()),
        Delivered: counts["delivered"],
        Failed:    counts["failed"],
        Paused:    q.paused.Load(),
        Backend:   q.backend.Name(),
    }
    metrics.QueueJobs.WithLabelValues("waiting").Set(float64(st.Waiting))
    metrics.QueueJobs.WithLabelValues("retrying").Set(float64(st.Retrying))
    metrics.QueueJobs.WithLabelValues("active").Set(float64(st.Active))
    metrics.QueueJobs.WithLabelValues("delivered").Set(float64(st.Delivered))
    metrics.QueueJobs.WithLabelValues("failed").Set(float64(st.Failed))
    return st, nil
}

func (q *Queue) sweepLoop() {
    defer q.wg.Done()
    q.sweepOnce()
    ticker := time.NewTicker(q.cfg.SweepInterval)
    defer ticker.Stop()
    for {
        select {
        case <-q.stopCh:
            return
        case <-ticker.C:
            if q.paused.Load() {
                q.refreshGauges()
                continue
            }
            q.sweepOnce()
        }
    }
}

// refreshGauges keeps the Prometheus queue-state gauges current so /metrics
// does not depend on admins polling the stats endpoint.
func (q *Queue) refreshGauges() {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if _, err := q.Metrics(ctx); err != nil {
        log.Printf("webhooks: refresh queue gauges: %v", err)
    }
}

// sweepOnce re-enqueues due records the push path missed. This is the crash
// recovery mechanism and runs regardless of backend.
func (q *Queue) sweepOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    ids, err := q.store.ListDueDeliveryIDs(ctx, q.cfg.SweepBatch)
    if err != nil {
        log.Printf("webhooks: sweep: %v", err)
        return
    }
    for _, id := range ids {
        q.Enqueue(ctx, id)
    }
    if len(ids) > 0 {
        log.Printf("webhooks: sweep re-enqueued %d due deliveries", len(ids))
    }
    q.refreshGauges()
}

func (q *Queue) workerLoop() {
    defer q.wg.Done()
    jobs := q.backend.Jobs()
    for {
        select {
        case <-q.stopCh:
            return
        case id, ok := <-jobs:
            if !ok {
                return
            }
            if q.paused.Load() {
                // Hand the job back; it will be re-delivered after resume
                // (or by the sweep).
                q.Enqueue(context.Background(), id)
                select {
                case <-q.stopCh:
                    return
                case <-time.After(time.Second):
                }
                continue
            }
            q.active.Add(1)
            q.process(id)
            q.active.Add(-1)
        }
    }
}
