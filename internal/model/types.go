package model

import (
    "encoding/json"
    "time"
)

// EventType is the closed set of domain events that can be delivered to
// webhook subscribers.
type EventType string

const (
    EventConversationCreated EventType = "conversation_created"
    EventConversationUpdated EventType = "conversation_updated"
    EventMessageReceived     EventType = "message_received"
    EventMessageSent         EventType = "message_sent"
    EventLeadCreated         EventType = "lead_created"
    EventLeadStageChanged    EventType = "lead_stage_changed"
    EventSaleClosed          EventType = "sale_closed"
    EventMeetingScheduled    EventType = "meeting_scheduled"
    EventCampaignSent        EventType = "campaign_sent"
    EventCampaignCompleted   EventType = "campaign_completed"
)

var knownEventTypes = map[EventType]struct{}{
    EventConversationCreated: {},
    EventConversationUpdated: {},
    EventMessageReceived:     {},
    EventMessageSent:         {},
    EventLeadCreated:         {},
    EventLeadStageChanged:    {},
    EventSaleClosed:          {},
    EventMeetingScheduled:    {},
    EventCampaignSent:        {},
    EventCampaignCompleted:   {},
}

// ValidEventType reports whether t is part of the closed event enumeration.
func ValidEventType(t EventType) bool {
    _, ok := knownEventTypes[t]
    return ok
}

// Delivery statuses. Terminal states are never rescheduled.
const (
    StatusPending   = "pending"
    StatusRetrying  = "retrying"
    StatusDelivered = "delivered"
    StatusFailed    = "failed"
)

type SubscriptionRequest struct {
    CompanyID string   `json:"companyId"`
    Name      string   `json:"name"`
    URL       string   `json:"url"`
    Events    []string `json:"events"`
    Secret    string   `json:"secret"`
    Active    *bool    `json:"active,omitempty"`
}

// Subscription is read-only inside the delivery core; it is owned by the
// subscription management surface.
type Subscription struct {
    ID        string   `json:"id"`
    CompanyID string   `json:"companyId"`
    Name      string   `json:"name,omitempty"`
    URL       string   `json:"url"`
    Events    []string `json:"events"`
    Secret    string   `json:"secret,omitempty"`
    Active    bool     `json:"active"`
}

// WantsEvent reports whether the subscription is eligible for eventType.
func (s Subscription) WantsEvent(eventType EventType) bool {
    if !s.Active {
        return false
    }
    for _, e := range s.Events {
        if e == string(eventType) {
            return true
        }
    }
    return false
}

// Payload is the envelope delivered to subscriber URLs. It is marshalled once
// at dispatch time; the resulting bytes are the signed body and must never be
// re-serialized on retry.
type Payload struct {
    EventType EventType      `json:"eventType"`
    Timestamp string         `json:"timestamp"`
    CompanyID string         `json:"companyId"`
    Data      map[string]any `json:"data"`
}

// TimestampLayout is ISO-8601 UTC with millisecond precision, matching what
// subscribers receive in the body and the X-Webhook-Timestamp header.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the wire timestamp layout.
func FormatTimestamp(t time.Time) string {
    return t.UTC().Format(TimestampLayout)
}

// DeliveryResponse captures the outcome of the most recent HTTP attempt.
type DeliveryResponse struct {
    StatusCode int    `json:"statusCode,omitempty"`
    Body       string `json:"body,omitempty"`
    Error      string `json:"error,omitempty"`
    LatencyMs  int    `json:"latencyMs,omitempty"`
    Timestamp  string `json:"timestamp,omitempty"`
}

// DeliveryRecord is one unit of webhook delivery work: a single event
// occurrence bound to a single subscription. Payload is captured at creation
// and immutable afterwards so retries resend identical bytes.
type DeliveryRecord struct {
    ID             string            `json:"id"`
    SubscriptionID string            `json:"subscriptionId"`
    CompanyID      string            `json:"companyId"`
    EventType      EventType         `json:"eventType"`
    URL            string            `json:"url"`
    Secret         string            `json:"-"`
    Payload        json.RawMessage   `json:"payload,omitempty"`
    Status         string            `json:"status"`
    Attempts       int               `json:"attempts"`
    LastAttemptAt  *time.Time        `json:"lastAttemptAt,omitempty"`
    NextRetryAt    *time.Time        `json:"nextRetryAt,omitempty"`
    Response       *DeliveryResponse `json:"response,omitempty"`
    CreatedAt      time.Time         `json:"createdAt"`
}

// Terminal reports whether the record is in a state no worker may mutate.
func (d DeliveryRecord) Terminal() bool {
    return d.Status == StatusDelivered || d.Status == StatusFailed
}

// ResponseJSON renders the last response for persistence; nil-safe.
func (d DeliveryRecord) ResponseJSON() []byte {
    if d.Response == nil {
        return nil
    }
    b, err := json.Marshal(d.Response)
    if err != nil {
        return nil
    }
    return b
}
