package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "hookrelay/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
    return p.db.PingContext(ctx)
}

// MigrateDir applies the .sql files in dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { files = append(files, e.Name()) }
    }
    sort.Strings(files)
    for _, f := range files {
        b, err := os.ReadFile(filepath.Join(dir, f))
        if err != nil { return err }
        if _, err := p.db.Exec(string(b)); err != nil { return fmt.Errorf("migrate %s: %w", f, err) }
    }
    return nil
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    active := true
    if req.Active != nil { active = *req.Active }
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions (id, company_id, name, url, secret, events, active) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
        id, req.CompanyID, req.Name, req.URL, req.Secret, string(ev), active)
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, CompanyID: req.CompanyID, Name: req.Name, URL: req.URL, Events: req.Events, Secret: req.Secret, Active: active}, nil
}

func (p *Postgres) GetActiveSubscriptions(ctx context.Context, companyID string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, url, secret, events, active FROM webhook_subscriptions WHERE company_id=$1 AND active=true`, companyID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        s, err := scanSubscription(rows, companyID)
        if err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, name, url, secret, events, active FROM webhook_subscriptions WHERE company_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, name, url, secret, events, active FROM webhook_subscriptions WHERE company_id=$1 ORDER BY id LIMIT $2`, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    var out []model.Subscription
    var last string
    for rows.Next() {
        s, err := scanSubscription(rows, companyID)
        if err != nil { return nil, "", err }
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func scanSubscription(rows *sql.Rows, companyID string) (model.Subscription, error) {
    var s model.Subscription
    var ev []byte
    if err := rows.Scan(&s.ID, &s.Name, &s.URL, &s.Secret, &ev, &s.Active); err != nil { return s, err }
    s.CompanyID = companyID
    _ = json.Unmarshal(ev, &s.Events)
    return s, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, companyID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE company_id=$1 AND id=$2`, companyID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// Delivery records

func (p *Postgres) CreateDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
    if rec.ID == "" { rec.ID = uuid.New().String() }
    if rec.Status == "" { rec.Status = model.StatusPending }
    next := time.Now()
    if rec.NextRetryAt != nil { next = *rec.NextRetryAt }
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, company_id, event_type, url, secret, payload, status, attempts, next_retry_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9)`,
        rec.ID, rec.SubscriptionID, rec.CompanyID, string(rec.EventType), rec.URL, rec.Secret, string(rec.Payload), rec.Status, next)
    return err
}

const deliveryColumns = `id::text, subscription_id::text, company_id, event_type, url, secret, payload, status, attempts, last_attempt_at, next_retry_at, response, created_at`

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id=$1`, id)
    rec, err := scanDelivery(row)
    if errors.Is(err, sql.ErrNoRows) { return rec, ErrNotFound }
    return rec, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDelivery(row rowScanner) (model.DeliveryRecord, error) {
    var rec model.DeliveryRecord
    var eventType string
    var lastAt, nextAt sql.NullTime
    var resp []byte
    if err := row.Scan(&rec.ID, &rec.SubscriptionID, &rec.CompanyID, &eventType, &rec.URL, &rec.Secret, &rec.Payload,
        &rec.Status, &rec.Attempts, &lastAt, &nextAt, &resp, &rec.CreatedAt); err != nil {
        return rec, err
    }
    rec.EventType = model.EventType(eventType)
    if lastAt.Valid { t := lastAt.Time; rec.LastAttemptAt = &t }
    if nextAt.Valid { t := nextAt.Time; rec.NextRetryAt = &t }
    if len(resp) > 0 {
        var dr model.DeliveryResponse
        if json.Unmarshal(resp, &dr) == nil { rec.Response = &dr }
    }
    return rec, nil
}

func (p *Postgres) ClaimDelivery(ctx context.Context, id string, lease time.Duration) (model.DeliveryRecord, error) {
    // Single conditional update: only a due record can be claimed, and the
    // lease keeps it out of the due set until the attempt resolves or the
    // worker dies and the lease expires.
    row := p.db.QueryRowContext(ctx, `UPDATE webhook_deliveries
        SET next_retry_at = now() + $2::interval, last_attempt_at = now()
        WHERE id = $1 AND status IN ('pending','retrying') AND next_retry_at <= now()
        RETURNING `+deliveryColumns, id, fmt.Sprintf("%d milliseconds", lease.Milliseconds()))
    rec, err := scanDelivery(row)
    if errors.Is(err, sql.ErrNoRows) { return rec, ErrNotDue }
    return rec, err
}

func (p *Postgres) MarkDelivered(ctx context.Context, id string, resp *model.DeliveryResponse) error {
    return p.finishAttempt(ctx, id, model.StatusDelivered, resp, nil)
}

func (p *Postgres) MarkRetrying(ctx context.Context, id string, resp *model.DeliveryResponse, nextRetryAt time.Time) error {
    return p.finishAttempt(ctx, id, model.StatusRetrying, resp, &nextRetryAt)
}

func (p *Postgres) MarkFailed(ctx context.Context, id string, resp *model.DeliveryResponse) error {
    return p.finishAttempt(ctx, id, model.StatusFailed, resp, nil)
}

// finishAttempt records the outcome of one HTTP attempt. The status guard
// makes the write a no-op when another path already moved the record to a
// terminal state.
func (p *Postgres) finishAttempt(ctx context.Context, id, status string, resp *model.DeliveryResponse, nextRetryAt *time.Time) error {
    var respArg any
    if resp != nil {
        b, _ := json.Marshal(resp)
        respArg = string(b)
    }
    var next any
    if nextRetryAt != nil { next = *nextRetryAt }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
        SET status=$2, attempts=attempts+1, last_attempt_at=now(), next_retry_at=$3, response=$4
        WHERE id=$1 AND status IN ('pending','retrying')`, id, status, next, respArg)
    return err
}

func (p *Postgres) ListDueDeliveryIDs(ctx context.Context, limit int) ([]string, error) {
    if limit <= 0 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text FROM webhook_deliveries
        WHERE status IN ('pending','retrying') AND next_retry_at <= now()
        ORDER BY next_retry_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    var ids []string
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err != nil { return nil, err }
        ids = append(ids, id)
    }
    return ids, rows.Err()
}

func (p *Postgres) ReArmFailedDeliveries(ctx context.Context, limit int) ([]string, error) {
    if limit <= 0 { limit = 10 }
    rows, err := p.db.QueryContext(ctx, `UPDATE webhook_deliveries
        SET status='retrying', attempts=0, next_retry_at=now()
        WHERE id IN (SELECT id FROM webhook_deliveries WHERE status='failed' ORDER BY last_attempt_at ASC LIMIT $1)
        RETURNING id::text`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    var ids []string
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err != nil { return nil, err }
        ids = append(ids, id)
    }
    return ids, rows.Err()
}

func (p *Postgres) RetryDelivery(ctx context.Context, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
        SET status='retrying', attempts=CASE WHEN status='failed' THEN 0 ELSE attempts END, next_retry_at=now()
        WHERE id=$1 AND status <> 'delivered'`, id)
    if err != nil { return err }
    n, _ := res.RowsAffected()
    if n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) ListDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if cursor != "" { q += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.DeliveryRecord{}
    var last string
    for rows.Next() {
        rec, err := scanDelivery(rows)
        if err != nil { return nil, "", err }
        out = append(out, rec)
        last = rec.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) CountDeliveriesByStatus(ctx context.Context) (map[string]int, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_deliveries GROUP BY status`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := map[string]int{}
    for rows.Next() {
        var status string
        var n int
        if err := rows.Scan(&status, &n); err != nil { return nil, err }
        out[status] = n
    }
    return out, rows.Err()
}
