package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "net/url"
    "strings"
    "time"

    "hookrelay/internal/model"
    "hookrelay/internal/store"
    "hookrelay/internal/webhooks"
)

// EventsHandler handles POST /v1/events: in-platform producers report a
// domain event and delivery fans out asynchronously.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req struct {
        CompanyID string         `json:"companyId"`
        EventType string         `json:"eventType"`
        Data      map[string]any `json:"data"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if req.CompanyID == "" {
        req.CompanyID = s.getPrincipal(r).CompanyID
    }
    err := s.Dispatcher.Dispatch(r.Context(), req.CompanyID, model.EventType(req.EventType), req.Data)
    if err != nil {
        if errors.Is(err, webhooks.ErrCompanyRequired) || errors.Is(err, webhooks.ErrUnknownEventType) {
            writeProblem(w, http.StatusBadRequest, "Invalid event", err.Error(), r.URL.Path)
            return
        }
        writeProblem(w, http.StatusInternalServerError, "Dispatch failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions (admin).
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.CompanyID == "" { req.CompanyID = p.CompanyID }
        if err := validateSubscription(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), p.CompanyID, cursor, limit)
        if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// Subscription delete (admin)
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), p.CompanyID, id); err != nil {
        if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
        writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
        return
    }
    w.WriteHeader(204)
}

func validateSubscription(req *model.SubscriptionRequest) error {
    u, err := url.Parse(req.URL)
    if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
        return errors.New("url must be absolute http(s)")
    }
    if len(req.Events) == 0 {
        return errors.New("at least one event type required")
    }
    for _, e := range req.Events {
        if !model.ValidEventType(model.EventType(e)) {
            return fmt.Errorf("unknown event type %q", e)
        }
    }
    if req.Secret == "" {
        return errors.New("secret required")
    }
    return nil
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListDeliveries(r.Context(), p.CompanyID, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryDelivery(r.Context(), id); err != nil {
        if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Not Found", "delivery missing or already delivered", r.URL.Path); return }
        writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
        return
    }
    s.Queue.Enqueue(r.Context(), id)
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Admin: queue stats, pause/resume, dead-letter recovery
func (s *Server) WebhookQueueHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch {
    case r.URL.Path == "/v1/admin/webhook-queue/stats" && r.Method == http.MethodGet:
        stats, err := s.Queue.Metrics(r.Context())
        if err != nil { writeProblem(w, 500, "Queue stats failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, stats)
    case r.URL.Path == "/v1/admin/webhook-queue/pause" && r.Method == http.MethodPost:
        s.Queue.Pause()
        writeJSON(w, 200, map[string]bool{"paused": true})
    case r.URL.Path == "/v1/admin/webhook-queue/resume" && r.Method == http.MethodPost:
        s.Queue.Resume()
        writeJSON(w, 200, map[string]bool{"paused": false})
    case r.URL.Path == "/v1/admin/webhook-queue/retry-dead-letter" && r.Method == http.MethodPost:
        var req struct{ Limit int `json:"limit"` }
        if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&req) }
        if req.Limit <= 0 { req.Limit = 10 }
        n, err := s.Queue.RetryDeadLetter(r.Context(), req.Limit)
        if err != nil { writeProblem(w, 500, "Dead-letter retry failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 202, map[string]int{"requeued": n})
    default:
        writeProblem(w, 404, "Not Found", "", r.URL.Path)
    }
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
