package webhooks

import (
    "context"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus/testutil"

    "hookrelay/internal/metrics"
    "hookrelay/internal/model"
    "hookrelay/internal/store"
)

var fastBackoff = Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}

func fastConfig() Config {
    return Config{
        Concurrency:   2,
        MaxAttempts:   3,
        SweepInterval: 20 * time.Millisecond,
        ClaimLease:    2 * time.Second,
        ShutdownGrace: time.Second,
    }
}

func waitForStatus(t *testing.T, s store.Store, id, want string) model.DeliveryRecord {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        rec, err := s.GetDelivery(context.Background(), id)
        if err == nil && rec.Status == want {
            return rec
        }
        time.Sleep(10 * time.Millisecond)
    }
    rec, _ := s.GetDelivery(context.Background(), id)
    t.Fatalf("record %s never reached %s (status=%s attempts=%d)", id, want, rec.Status, rec.Attempts)
    return rec
}

func dispatchOne(t *testing.T, s store.Store, d *Dispatcher, url string) string {
    t.Helper()
    mustSub(t, s, "c1", url, []string{"lead_created"}, true)
    if err := d.Dispatch(context.Background(), "c1", model.EventLeadCreated, map[string]any{"leadId": "l1"}); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    recs, _, _ := s.ListDeliveries(context.Background(), "c1", "", "", 10)
    if len(recs) != 1 {
        t.Fatalf("want 1 record, got %d", len(recs))
    }
    return recs[0].ID
}

func TestQueueDeliversSuccessfully(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(200)
    }))
    defer srv.Close()

    s := store.NewMemory()
    q := newTestQueue(s, fastConfig(), fastBackoff)
    events := make(chan DeliveryEvent, 16)
    q.OnResult = func(e DeliveryEvent) { events <- e }
    d := NewDispatcher(s, q)
    q.Start()
    defer q.Stop()

    id := dispatchOne(t, s, d, srv.URL)
    rec := waitForStatus(t, s, id, model.StatusDelivered)
    if rec.Attempts != 1 {
        t.Fatalf("want 1 attempt, got %d", rec.Attempts)
    }
    if rec.Response == nil || rec.Response.StatusCode != 200 {
        t.Fatalf("response not recorded: %+v", rec.Response)
    }

    select {
    case e := <-events:
        if e.DeliveryID != id || e.Status != model.StatusDelivered || e.Attempts != 1 {
            t.Fatalf("bad event: %+v", e)
        }
    case <-time.After(time.Second):
        t.Fatal("no delivery event published")
    }
}

func TestQueueRetriesThenDeadLetters(t *testing.T) {
    var hits atomic.Int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        hits.Add(1)
        w.WriteHeader(500)
    }))
    defer srv.Close()

    s := store.NewMemory()
    cfg := fastConfig()
    cfg.MaxAttempts = 2
    q := newTestQueue(s, cfg, fastBackoff)
    d := NewDispatcher(s, q)
    q.Start()
    defer q.Stop()

    id := dispatchOne(t, s, d, srv.URL)
    rec := waitForStatus(t, s, id, model.StatusFailed)
    if rec.Attempts != 2 {
        t.Fatalf("want 2 attempts, got %d", rec.Attempts)
    }
    if n := hits.Load(); n != 2 {
        t.Fatalf("subscriber hit %d times, want 2", n)
    }
    if rec.Response == nil || rec.Response.StatusCode != 500 {
        t.Fatalf("last response not recorded: %+v", rec.Response)
    }

    // Terminal records stay terminal.
    time.Sleep(100 * time.Millisecond)
    rec, _ = s.GetDelivery(context.Background(), id)
    if rec.Status != model.StatusFailed || rec.Attempts != 2 {
        t.Fatalf("dead-lettered record was rescheduled: %+v", rec)
    }
}

func TestQueuePermanentFailureSkipsRetries(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(404)
    }))
    defer srv.Close()

    s := store.NewMemory()
    q := newTestQueue(s, fastConfig(), fastBackoff)
    d := NewDispatcher(s, q)
    q.Start()
    defer q.Stop()

    id := dispatchOne(t, s, d, srv.URL)
    rec := waitForStatus(t, s, id, model.StatusFailed)
    if rec.Attempts != 1 {
        t.Fatalf("4xx should fail immediately; got %d attempts", rec.Attempts)
    }
}

func TestRetryDeadLetterReArmsFailed(t *testing.T) {
    var broken atomic.Bool
    broken.Store(true)
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if broken.Load() {
            w.WriteHeader(500)
            return
        }
        w.WriteHeader(200)
    }))
    defer srv.Close()

    s := store.NewMemory()
    cfg := fastConfig()
    cfg.MaxAttempts = 1
    q := newTestQueue(s, cfg, fastBackoff)
    d := NewDispatcher(s, q)
    q.Start()
    defer q.Stop()

    id := dispatchOne(t, s, d, srv.URL)
    waitForStatus(t, s, id, model.StatusFailed)

    // Subscriber recovers; operator re-arms the dead letter.
    broken.Store(false)
    n, err := q.RetryDeadLetter(context.Background(), 10)
    if err != nil || n != 1 {
        t.Fatalf("RetryDeadLetter: n=%d err=%v", n, err)
    }
    rec := waitForStatus(t, s, id, model.StatusDelivered)
    if rec.Attempts != 1 {
        t.Fatalf("attempts should reset on re-arm; got %d", rec.Attempts)
    }
}

func TestSweepRecoversUnnotifiedRecords(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(200)
    }))
    defer srv.Close()

    s := store.NewMemory()
    now := time.Now()
    rec := &model.DeliveryRecord{
        SubscriptionID: "s1",
        CompanyID:      "c1",
        EventType:      model.EventLeadCreated,
        URL:            srv.URL,
        Secret:         "secret",
        Payload:        []byte(`{"eventType":"lead_created","companyId":"c1","data":{}}`),
        Status:         model.StatusPending,
        NextRetryAt:    &now,
    }
    // Created without any backend notification, as if the process crashed
    // between the insert and the enqueue.
    if err := s.CreateDelivery(context.Background(), rec); err != nil {
        t.Fatalf("create: %v", err)
    }

    q := newTestQueue(s, fastConfig(), fastBackoff)
    q.Start()
    defer q.Stop()

    waitForStatus(t, s, rec.ID, model.StatusDelivered)
}

func TestQueuePauseAndResume(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(200)
    }))
    defer srv.Close()

    s := store.NewMemory()
    q := newTestQueue(s, fastConfig(), fastBackoff)
    d := NewDispatcher(s, q)
    q.Start()
    defer q.Stop()
    q.Pause()

    id := dispatchOne(t, s, d, srv.URL)
    time.Sleep(200 * time.Millisecond)
    rec, _ := s.GetDelivery(context.Background(), id)
    if rec.Status != model.StatusPending {
        t.Fatalf("paused queue processed a job: %+v", rec)
    }

    q.Resume()
    waitForStatus(t, s, id, model.StatusDelivered)
}

func TestConcurrentWorkersDeliverExactlyOnce(t *testing.T) {
    var hits atomic.Int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        hits.Add(1)
        w.WriteHeader(200)
    }))
    defer srv.Close()

    s := store.NewMemory()
    cfg := fastConfig()
    cfg.Concurrency = 4
    q := newTestQueue(s, cfg, fastBackoff)
    d := NewDispatcher(s, q)
    q.Start()
    defer q.Stop()

    id := dispatchOne(t, s, d, srv.URL)
    // Pile duplicate notifications onto the contended record: every worker
    // races for the same claim and all but one must no-op.
    for i := 0; i < 8; i++ {
        q.Enqueue(context.Background(), id)
    }

    rec := waitForStatus(t, s, id, model.StatusDelivered)
    time.Sleep(100 * time.Millisecond)
    if n := hits.Load(); n != 1 {
        t.Fatalf("subscriber hit %d times, want exactly 1", n)
    }
    rec, _ = s.GetDelivery(context.Background(), id)
    if rec.Attempts != 1 {
        t.Fatalf("want 1 attempt, got %d", rec.Attempts)
    }
}

func TestEnqueueAfterStopDoesNotPanic(t *testing.T) {
    s := store.NewMemory()
    q := newTestQueue(s, fastConfig(), fastBackoff)
    q.Start()
    q.Stop()
    // A detached dispatch or a late sweep can outlive Stop; the notification
    // is dropped with a log line and the record stays recoverable.
    q.Enqueue(context.Background(), "left-over-delivery")
}

func TestSweepRefreshesQueueGauges(t *testing.T) {
    s := store.NewMemory()
    future := time.Now().Add(time.Hour)
    _ = s.CreateDelivery(context.Background(), &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusPending, NextRetryAt: &future, Payload: []byte(`{}`)})
    _ = s.CreateDelivery(context.Background(), &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusFailed, Payload: []byte(`{}`)})

    q := newTestQueue(s, fastConfig(), fastBackoff)
    q.Start()
    defer q.Stop()

    // The gauges update from the sweep tick, without any stats call.
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        waiting := testutil.ToFloat64(metrics.QueueJobs.WithLabelValues("waiting"))
        failed := testutil.ToFloat64(metrics.QueueJobs.WithLabelValues("failed"))
        if waiting == 1 && failed == 1 {
            return
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("gauges never refreshed: waiting=%v failed=%v",
        testutil.ToFloat64(metrics.QueueJobs.WithLabelValues("waiting")),
        testutil.ToFloat64(metrics.QueueJobs.WithLabelValues("failed")))
}

func TestQueueMetrics(t *testing.T) {
    s := store.NewMemory()
    q := newTestQueue(s, fastConfig(), fastBackoff)
    now := time.Now()
    _ = s.CreateDelivery(context.Background(), &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusPending, NextRetryAt: &now, Payload: []byte(`{}`)})
    _ = s.CreateDelivery(context.Background(), &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusFailed, Payload: []byte(`{}`)})

    stats, err := q.Metrics(context.Background())
    if err != nil {
        t.Fatalf("metrics: %v", err)
    }
    if stats.Waiting != 1 || stats.Failed != 1 || stats.Backend != "memory" {
        t.Fatalf("bad stats: %+v", stats)
    }
}
