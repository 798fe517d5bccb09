package webhooks

import (
    "context"
    "errors"
    "log"
    "strconv"
    "time"

    "hookrelay/internal/metrics"
    "hookrelay/internal/model"
    "hookrelay/internal/store"
)

// process executes one delivery attempt for the record identified by id.
// The store claim is the only synchronization point: exactly one worker wins
// a due record, everyone else no-ops.
func (q *Queue) process(id string) {
    ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ClaimLease)
    defer cancel()

    rec, err := q.store.ClaimDelivery(ctx, id, q.cfg.ClaimLease)
    if err != nil {
        if errors.Is(err, store.ErrNotDue) {
            // Lost the claim race, or the record is terminal/not yet due.
            return
        }
        log.Printf("webhooks: claim %s: %v", id, err)
        return
    }

    result := q.client.Deliver(ctx, rec)
    attempt := rec.Attempts + 1
    resp := result.Response()

    var status string
    switch {
    case result.Success():
        status = model.StatusDelivered
        err = q.store.MarkDelivered(ctx, id, resp)
    case result.Permanent() || attempt >= q.cfg.MaxAttempts:
        status = model.StatusFailed
        err = q.store.MarkFailed(ctx, id, resp)
    default:
        status = model.StatusRetrying
        next := time.Now().Add(q.backoff.NextDelay(attempt))
        err = q.store.MarkRetrying(ctx, id, resp, next)
    }
    if err != nil {
        // The record keeps its claim lease and becomes due again when it
        // expires; the sweep will retry the attempt.
        log.Printf("webhooks: record outcome for %s: %v", id, err)
        return
    }

    metrics.WebhookDeliveries.WithLabelValues(string(rec.EventType), status).Inc()
    metrics.WebhookLatency.WithLabelValues(string(rec.EventType), status).Observe(float64(result.Latency.Milliseconds()))
    switch status {
    case model.StatusDelivered:
        log.Printf("webhooks: delivered %s to %s (attempt %d, %dms)", id, rec.URL, attempt, result.Latency.Milliseconds())
    case model.StatusRetrying:
        log.Printf("webhooks: attempt %d/%d for %s failed (%s); retrying", attempt, q.cfg.MaxAttempts, id, resp.Error+statusText(result))
    case model.StatusFailed:
        log.Printf("webhooks: %s moved to dead letter after %d attempts (%s)", id, attempt, resp.Error+statusText(result))
    }

    if q.OnResult != nil {
        q.OnResult(DeliveryEvent{
            DeliveryID:     rec.ID,
            SubscriptionID: rec.SubscriptionID,
            CompanyID:      rec.CompanyID,
            EventType:      string(rec.EventType),
            Status:         status,
            Attempts:       attempt,
            StatusCode:     result.StatusCode,
            Error:          resp.Error,
        })
    }
}

func statusText(r Result) string {
    if r.StatusCode == 0 {
        return ""
    }
    return "HTTP " + strconv.Itoa(r.StatusCode)
}
