package store

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "hookrelay/internal/model"
)

func newDueRecord(t *testing.T, m *Memory) model.DeliveryRecord {
    t.Helper()
    due := time.Now().Add(-time.Second)
    rec := &model.DeliveryRecord{
        SubscriptionID: "s1",
        CompanyID:      "c1",
        EventType:      model.EventLeadCreated,
        URL:            "http://example.com/hook",
        Secret:         "secret",
        Payload:        []byte(`{}`),
        Status:         model.StatusPending,
        NextRetryAt:    &due,
    }
    if err := m.CreateDelivery(context.Background(), rec); err != nil {
        t.Fatalf("create: %v", err)
    }
    return *rec
}

func TestClaimDeliveryWinnerTakesAll(t *testing.T) {
    m := NewMemory()
    rec := newDueRecord(t, m)

    got, err := m.ClaimDelivery(context.Background(), rec.ID, 30*time.Second)
    if err != nil {
        t.Fatalf("first claim: %v", err)
    }
    if got.ID != rec.ID {
        t.Fatalf("claimed wrong record: %s", got.ID)
    }
    // Second claim must lose: the lease pushed the record out of the due set.
    if _, err := m.ClaimDelivery(context.Background(), rec.ID, 30*time.Second); !errors.Is(err, ErrNotDue) {
        t.Fatalf("second claim: want ErrNotDue, got %v", err)
    }
}

func TestClaimDeliveryConcurrentSingleWinner(t *testing.T) {
    m := NewMemory()
    rec := newDueRecord(t, m)

    const claimers = 16
    var wg sync.WaitGroup
    var wins, losses atomic.Int32
    start := make(chan struct{})
    for i := 0; i < claimers; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            <-start
            _, err := m.ClaimDelivery(context.Background(), rec.ID, 30*time.Second)
            switch {
            case err == nil:
                wins.Add(1)
            case errors.Is(err, ErrNotDue):
                losses.Add(1)
            default:
                t.Errorf("unexpected claim error: %v", err)
            }
        }()
    }
    close(start)
    wg.Wait()

    if wins.Load() != 1 {
        t.Fatalf("want exactly 1 winning claim, got %d", wins.Load())
    }
    if losses.Load() != claimers-1 {
        t.Fatalf("want %d losing claims, got %d", claimers-1, losses.Load())
    }
}

func TestClaimDeliveryLeaseExpiry(t *testing.T) {
    m := NewMemory()
    rec := newDueRecord(t, m)

    if _, err := m.ClaimDelivery(context.Background(), rec.ID, 20*time.Millisecond); err != nil {
        t.Fatalf("claim: %v", err)
    }
    // Simulated worker crash: no outcome write. After the lease expires the
    // record is due again.
    time.Sleep(40 * time.Millisecond)
    if _, err := m.ClaimDelivery(context.Background(), rec.ID, time.Second); err != nil {
        t.Fatalf("reclaim after lease expiry: %v", err)
    }
}

func TestClaimDeliveryNotDueCases(t *testing.T) {
    m := NewMemory()
    if _, err := m.ClaimDelivery(context.Background(), "missing", time.Second); !errors.Is(err, ErrNotDue) {
        t.Fatalf("missing record: want ErrNotDue, got %v", err)
    }

    future := time.Now().Add(time.Hour)
    rec := &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusRetrying, NextRetryAt: &future, Payload: []byte(`{}`)}
    _ = m.CreateDelivery(context.Background(), rec)
    if _, err := m.ClaimDelivery(context.Background(), rec.ID, time.Second); !errors.Is(err, ErrNotDue) {
        t.Fatalf("future record: want ErrNotDue, got %v", err)
    }
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
    m := NewMemory()
    rec := newDueRecord(t, m)

    if err := m.MarkDelivered(context.Background(), rec.ID, &model.DeliveryResponse{StatusCode: 200}); err != nil {
        t.Fatalf("mark delivered: %v", err)
    }
    // A stale worker finishing late must not overwrite the terminal state.
    if err := m.MarkFailed(context.Background(), rec.ID, &model.DeliveryResponse{StatusCode: 500}); err != nil {
        t.Fatalf("stale mark should no-op, not error: %v", err)
    }
    got, _ := m.GetDelivery(context.Background(), rec.ID)
    if got.Status != model.StatusDelivered || got.Attempts != 1 {
        t.Fatalf("terminal record mutated: %+v", got)
    }
    if _, err := m.ClaimDelivery(context.Background(), rec.ID, time.Second); !errors.Is(err, ErrNotDue) {
        t.Fatalf("terminal record claimable: %v", err)
    }
}

func TestListDueDeliveryIDsOrdering(t *testing.T) {
    m := NewMemory()
    older := time.Now().Add(-2 * time.Minute)
    newer := time.Now().Add(-time.Minute)
    future := time.Now().Add(time.Hour)
    a := &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusRetrying, NextRetryAt: &newer, Payload: []byte(`{}`)}
    b := &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusPending, NextRetryAt: &older, Payload: []byte(`{}`)}
    c := &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusPending, NextRetryAt: &future, Payload: []byte(`{}`)}
    d := &model.DeliveryRecord{CompanyID: "c1", Status: model.StatusFailed, NextRetryAt: &older, Payload: []byte(`{}`)}
    for _, r := range []*model.DeliveryRecord{a, b, c, d} {
        _ = m.CreateDelivery(context.Background(), r)
    }

    ids, err := m.ListDueDeliveryIDs(context.Background(), 10)
    if err != nil {
        t.Fatalf("list due: %v", err)
    }
    if len(ids) != 2 || ids[0] != b.ID || ids[1] != a.ID {
        t.Fatalf("want [%s %s], got %v", b.ID, a.ID, ids)
    }
}

func TestReArmFailedDeliveries(t *testing.T) {
    m := NewMemory()
    rec := newDueRecord(t, m)
    _, _ = m.ClaimDelivery(context.Background(), rec.ID, time.Second)
    _ = m.MarkFailed(context.Background(), rec.ID, &model.DeliveryResponse{StatusCode: 500})

    ids, err := m.ReArmFailedDeliveries(context.Background(), 10)
    if err != nil || len(ids) != 1 {
        t.Fatalf("re-arm: ids=%v err=%v", ids, err)
    }
    got, _ := m.GetDelivery(context.Background(), rec.ID)
    if got.Status != model.StatusRetrying || got.Attempts != 0 {
        t.Fatalf("re-armed record wrong: status=%s attempts=%d", got.Status, got.Attempts)
    }
    if got.NextRetryAt == nil || got.NextRetryAt.After(time.Now()) {
        t.Fatalf("re-armed record not due: %v", got.NextRetryAt)
    }
}

func TestRetryDeliveryRules(t *testing.T) {
    m := NewMemory()

    rec := newDueRecord(t, m)
    _, _ = m.ClaimDelivery(context.Background(), rec.ID, time.Second)
    _ = m.MarkDelivered(context.Background(), rec.ID, nil)
    if err := m.RetryDelivery(context.Background(), rec.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("delivered record should reject retry: %v", err)
    }

    rec2 := newDueRecord(t, m)
    _, _ = m.ClaimDelivery(context.Background(), rec2.ID, time.Second)
    _ = m.MarkFailed(context.Background(), rec2.ID, nil)
    if err := m.RetryDelivery(context.Background(), rec2.ID); err != nil {
        t.Fatalf("retry failed record: %v", err)
    }
    got, _ := m.GetDelivery(context.Background(), rec2.ID)
    if got.Status != model.StatusRetrying || got.Attempts != 0 {
        t.Fatalf("retry did not re-arm: %+v", got)
    }
}

func TestSubscriptionCRUD(t *testing.T) {
    m := NewMemory()
    active := true
    inactive := false
    s1, _ := m.CreateSubscription(context.Background(), model.SubscriptionRequest{CompanyID: "c1", URL: "http://a", Events: []string{"lead_created"}, Secret: "x", Active: &active})
    _, _ = m.CreateSubscription(context.Background(), model.SubscriptionRequest{CompanyID: "c1", URL: "http://b", Events: []string{"lead_created"}, Secret: "x", Active: &inactive})

    subs, _ := m.GetActiveSubscriptions(context.Background(), "c1")
    if len(subs) != 1 || subs[0].ID != s1.ID {
        t.Fatalf("active filter broken: %+v", subs)
    }

    if err := m.DeleteSubscription(context.Background(), "c1", s1.ID); err != nil {
        t.Fatalf("delete: %v", err)
    }
    if err := m.DeleteSubscription(context.Background(), "c1", s1.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("double delete: want ErrNotFound, got %v", err)
    }
}
