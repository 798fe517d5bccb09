package webhooks

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "time"

    "hookrelay/internal/model"
    "hookrelay/internal/store"
)

var (
    ErrCompanyRequired  = errors.New("companyId is required")
    ErrUnknownEventType = errors.New("unknown event type")
)

// Dispatcher is the entry point business code uses to emit domain events.
// It fans an event out to every matching active subscription: one immutable
// payload snapshot, one DeliveryRecord per subscription, one queue job per
// record. Delivery outcomes are never propagated back to the caller.
type Dispatcher struct {
    Store store.Store
    Queue *Queue
}

func NewDispatcher(s store.Store, q *Queue) *Dispatcher {
    return &Dispatcher{Store: s, Queue: q}
}

// Dispatch resolves active subscriptions for companyID that listen to
// eventType and queues one delivery per match. Zero matches is a normal
// no-op. Persistence failures for one subscription do not block the others.
// The returned error covers input validation and subscription resolution
// only; queued deliveries resolve asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, companyID string, eventType model.EventType, data map[string]any) error {
    if companyID == "" {
        return ErrCompanyRequired
    }
    if !model.ValidEventType(eventType) {
        return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
    }

    subs, err := d.Store.GetActiveSubscriptions(ctx, companyID)
    if err != nil {
        return fmt.Errorf("resolve subscriptions: %w", err)
    }
    matched := subs[:0:0]
    for _, s := range subs {
        if s.WantsEvent(eventType) {
            matched = append(matched, s)
        }
    }
    if len(matched) == 0 {
        return nil
    }

    now := time.Now()
    payload := model.Payload{
        EventType: eventType,
        Timestamp: model.FormatTimestamp(now),
        CompanyID: companyID,
        Data:      data,
    }
    body, err := json.Marshal(payload)
    if err != nil {
        return fmt.Errorf("marshal payload: %w", err)
    }

    queued := 0
    for _, sub := range matched {
        rec := &model.DeliveryRecord{
            SubscriptionID: sub.ID,
            CompanyID:      companyID,
            EventType:      eventType,
            URL:            sub.URL,
            Secret:         sub.Secret,
            Payload:        body,
            Status:         model.StatusPending,
            NextRetryAt:    &now,
        }
        if err := d.Store.CreateDelivery(ctx, rec); err != nil {
            log.Printf("webhooks: create delivery for subscription %s: %v", sub.ID, err)
            continue
        }
        d.Queue.Enqueue(ctx, rec.ID)
        queued++
    }
    log.Printf("webhooks: dispatched %s for company %s to %d/%d subscriptions", eventType, companyID, queued, len(matched))
    return nil
}

// DispatchAsync runs Dispatch on a fresh background context and logs any
// error. Callers on a request path use this for fire-and-forget semantics.
func (d *Dispatcher) DispatchAsync(companyID string, eventType model.EventType, data map[string]any) {
    go func() {
        ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
        defer cancel()
        if err := d.Dispatch(ctx, companyID, eventType, data); err != nil {
            log.Printf("webhooks: async dispatch %s for company %s: %v", eventType, companyID, err)
        }
    }()
}
