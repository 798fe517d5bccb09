package webhooks

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "golang.org/x/time/rate"

    "hookrelay/internal/model"
)

const (
    // DefaultTimeout bounds a single delivery attempt so one slow subscriber
    // cannot starve the worker pool.
    DefaultTimeout = 10 * time.Second
    // maxResponseBody limits how much of the subscriber response is captured
    // on the record.
    maxResponseBody = 1000
)

// Result is the structured outcome of a single HTTP delivery attempt.
type Result struct {
    StatusCode int
    Body       string
    Err        error
    Latency    time.Duration
}

// Success reports whether the subscriber acknowledged with a 2xx.
func (r Result) Success() bool {
    return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Permanent reports whether the failure is non-retryable: a 4xx response
// other than request-timeout/throttling means the subscriber rejected the
// payload and retries cannot help.
func (r Result) Permanent() bool {
    if r.Err != nil {
        return false
    }
    if r.StatusCode == http.StatusRequestTimeout || r.StatusCode == http.StatusTooManyRequests {
        return false
    }
    return r.StatusCode >= 400 && r.StatusCode < 500
}

// Client performs single signed POST attempts to subscriber URLs. Retry
// policy lives in the queue, not here.
type Client struct {
    HTTP    *http.Client
    Limiter *rate.Limiter
}

// NewClient builds a delivery client with the given attempt timeout and an
// optional global outbound pacing limit (requests per second; 0 disables).
func NewClient(timeout time.Duration, maxPerSecond float64) *Client {
    if timeout <= 0 {
        timeout = DefaultTimeout
    }
    var lim *rate.Limiter
    if maxPerSecond > 0 {
        lim = rate.NewLimiter(rate.Limit(maxPerSecond), int(maxPerSecond)+1)
    }
    return &Client{HTTP: &http.Client{Timeout: timeout}, Limiter: lim}
}

// Deliver signs rec.Payload and POSTs it to rec.URL. rec.Attempts is the
// count of attempts made before this one.
func (c *Client) Deliver(ctx context.Context, rec model.DeliveryRecord) Result {
    if c.Limiter != nil {
        if err := c.Limiter.Wait(ctx); err != nil {
            return Result{Err: err}
        }
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.URL, bytes.NewReader(rec.Payload))
    if err != nil {
        return Result{Err: err}
    }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Webhook-Signature", SignHMAC(rec.Secret, rec.Payload))
    req.Header.Set("X-Webhook-Event", string(rec.EventType))
    req.Header.Set("X-Webhook-Timestamp", payloadTimestamp(rec))
    req.Header.Set("X-Webhook-Id", rec.ID)
    req.Header.Set("X-Webhook-Retry-Count", fmt.Sprint(rec.Attempts))

    start := time.Now()
    resp, err := c.HTTP.Do(req)
    latency := time.Since(start)
    if err != nil {
        return Result{Err: err, Latency: latency}
    }
    defer func() { _ = resp.Body.Close() }()
    body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
    return Result{StatusCode: resp.StatusCode, Body: string(body), Latency: latency}
}

// payloadTimestamp extracts the envelope timestamp so the header always
// matches the signed body, even on retries.
func payloadTimestamp(rec model.DeliveryRecord) string {
    var env struct {
        Timestamp string `json:"timestamp"`
    }
    if json.Unmarshal(rec.Payload, &env) == nil && env.Timestamp != "" {
        return env.Timestamp
    }
    return model.FormatTimestamp(rec.CreatedAt)
}

// Response converts a Result into the persisted delivery response.
func (r Result) Response() *model.DeliveryResponse {
    dr := &model.DeliveryResponse{
        StatusCode: r.StatusCode,
        Body:       r.Body,
        LatencyMs:  int(r.Latency.Milliseconds()),
        Timestamp:  model.FormatTimestamp(time.Now()),
    }
    if r.Err != nil {
        dr.Error = r.Err.Error()
    }
    return dr
}
