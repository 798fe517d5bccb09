package store

import (
    "context"
    "errors"
    "time"

    "hookrelay/internal/model"
)

// Store is the persistence interface for webhook subscriptions (read side)
// and delivery records (owned and mutated by the delivery core).
type Store interface {
    // Subscriptions. The delivery core only reads; create/list/delete exist
    // for the management surface.
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetActiveSubscriptions(ctx context.Context, companyID string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, companyID, id string) error

    // Delivery records.
    CreateDelivery(ctx context.Context, rec *model.DeliveryRecord) error
    GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error)

    // ClaimDelivery atomically takes ownership of a due record: the record
    // must be pending/retrying with nextRetryAt <= now, and the claim pushes
    // nextRetryAt forward by lease so no other worker claims it while the
    // HTTP attempt is in flight. Returns ErrNotDue when the race is lost.
    ClaimDelivery(ctx context.Context, id string, lease time.Duration) (model.DeliveryRecord, error)

    // Outcome writes. All are conditional on the record still being
    // non-terminal; a stale worker's write is a silent no-op.
    MarkDelivered(ctx context.Context, id string, resp *model.DeliveryResponse) error
    MarkRetrying(ctx context.Context, id string, resp *model.DeliveryResponse, nextRetryAt time.Time) error
    MarkFailed(ctx context.Context, id string, resp *model.DeliveryResponse) error

    // ListDueDeliveryIDs returns ids of records eligible for an attempt
    // (pending/retrying, nextRetryAt <= now). Used by the periodic sweep.
    ListDueDeliveryIDs(ctx context.Context, limit int) ([]string, error)

    // ReArmFailedDeliveries moves up to limit failed records back to
    // retrying with attempts reset and a fresh due time, returning their ids.
    // This is the operator dead-letter recovery path.
    ReArmFailedDeliveries(ctx context.Context, limit int) ([]string, error)

    // RetryDelivery forces one record due now. A failed record is re-armed
    // with attempts reset; a delivered record is rejected with ErrNotFound.
    RetryDelivery(ctx context.Context, id string) error

    ListDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]model.DeliveryRecord, string, error)
    CountDeliveriesByStatus(ctx context.Context) (map[string]int, error)
}

var (
    ErrNotFound = errors.New("not found")
    // ErrNotDue is returned by ClaimDelivery when the record was already
    // claimed, completed, or is not yet due.
    ErrNotDue = errors.New("delivery not due")
)
