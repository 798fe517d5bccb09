package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "hookrelay/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set and in tests.
type Memory struct {
    mu         sync.Mutex
    subs       map[string][]model.Subscription // companyID -> subscriptions
    deliveries map[string]*model.DeliveryRecord
    byCompany  map[string][]string // companyID -> delivery ids
}

func NewMemory() *Memory {
    return &Memory{
        subs:       map[string][]model.Subscription{},
        deliveries: map[string]*model.DeliveryRecord{},
        byCompany:  map[string][]string{},
    }
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    active := true
    if req.Active != nil { active = *req.Active }
    s := model.Subscription{
        ID:        uuid.New().String(),
        CompanyID: req.CompanyID,
        Name:      req.Name,
        URL:       req.URL,
        Events:    append([]string(nil), req.Events...),
        Secret:    req.Secret,
        Active:    active,
    }
    m.subs[req.CompanyID] = append(m.subs[req.CompanyID], s)
    return s, nil
}

func (m *Memory) GetActiveSubscriptions(ctx context.Context, companyID string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Subscription{}
    for _, s := range m.subs[companyID] {
        if s.Active { out = append(out, s) }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    all := m.subs[companyID]
    start := 0
    if cursor != "" {
        for i, s := range all {
            if s.ID == cursor { start = i + 1; break }
        }
    }
    out := []model.Subscription{}
    for i := start; i < len(all) && len(out) < limit; i++ {
        out = append(out, all[i])
    }
    next := ""
    if len(out) == limit && start+len(out) < len(all) { next = out[len(out)-1].ID }
    return out, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    all := m.subs[companyID]
    for i, s := range all {
        if s.ID == id {
            m.subs[companyID] = append(all[:i:i], all[i+1:]...)
            return nil
        }
    }
    return ErrNotFound
}

// Delivery records

func (m *Memory) CreateDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if rec.ID == "" { rec.ID = uuid.New().String() }
    if rec.Status == "" { rec.Status = model.StatusPending }
    if rec.NextRetryAt == nil { now := time.Now(); rec.NextRetryAt = &now }
    if rec.CreatedAt.IsZero() { rec.CreatedAt = time.Now() }
    cp := *rec
    m.deliveries[rec.ID] = &cp
    m.byCompany[rec.CompanyID] = append(m.byCompany[rec.CompanyID], rec.ID)
    return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return model.DeliveryRecord{}, ErrNotFound }
    return *d, nil
}

func (m *Memory) ClaimDelivery(ctx context.Context, id string, lease time.Duration) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return model.DeliveryRecord{}, ErrNotDue }
    now := time.Now()
    if d.Terminal() || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
        return model.DeliveryRecord{}, ErrNotDue
    }
    leaseUntil := now.Add(lease)
    d.NextRetryAt = &leaseUntil
    d.LastAttemptAt = &now
    return *d, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, id string, resp *model.DeliveryResponse) error {
    return m.finishAttempt(id, model.StatusDelivered, resp, nil)
}

func (m *Memory) MarkRetrying(ctx context.Context, id string, resp *model.DeliveryResponse, nextRetryAt time.Time) error {
    return m.finishAttempt(id, model.StatusRetrying, resp, &nextRetryAt)
}

func (m *Memory) MarkFailed(ctx context.Context, id string, resp *model.DeliveryResponse) error {
    return m.finishAttempt(id, model.StatusFailed, resp, nil)
}

func (m *Memory) finishAttempt(id, status string, resp *model.DeliveryResponse, nextRetryAt *time.Time) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.Terminal() { return nil }
    now := time.Now()
    d.Status = status
    d.Attempts++
    d.LastAttemptAt = &now
    d.Response = resp
    d.NextRetryAt = nextRetryAt
    return nil
}

func (m *Memory) ListDueDeliveryIDs(ctx context.Context, limit int) ([]string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    now := time.Now()
    type due struct {
        id string
        at time.Time
    }
    var dues []due
    for id, d := range m.deliveries {
        if (d.Status == model.StatusPending || d.Status == model.StatusRetrying) && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
            dues = append(dues, due{id: id, at: *d.NextRetryAt})
        }
    }
    sort.Slice(dues, func(i, j int) bool { return dues[i].at.Before(dues[j].at) })
    ids := []string{}
    for _, d := range dues {
        ids = append(ids, d.id)
        if len(ids) >= limit { break }
    }
    return ids, nil
}

func (m *Memory) ReArmFailedDeliveries(ctx context.Context, limit int) ([]string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 10 }
    ids := []string{}
    for id, d := range m.deliveries {
        if d.Status != model.StatusFailed { continue }
        now := time.Now()
        d.Status = model.StatusRetrying
        d.Attempts = 0
        d.NextRetryAt = &now
        ids = append(ids, id)
        if len(ids) >= limit { break }
    }
    return ids, nil
}

func (m *Memory) RetryDelivery(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.Status == model.StatusDelivered { return ErrNotFound }
    if d.Status == model.StatusFailed { d.Attempts = 0 }
    now := time.Now()
    d.Status = model.StatusRetrying
    d.NextRetryAt = &now
    return nil
}

func (m *Memory) ListDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    ids := m.byCompany[companyID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    out := []model.DeliveryRecord{}
    var last string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        d := m.deliveries[ids[i]]
        if d == nil { continue }
        if status == "" || d.Status == status {
            out = append(out, *d)
            last = d.ID
        }
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (m *Memory) CountDeliveriesByStatus(ctx context.Context) (map[string]int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := map[string]int{}
    for _, d := range m.deliveries {
        out[d.Status]++
    }
    return out, nil
}
