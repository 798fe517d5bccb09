package api

import (
    "sync"

    "hookrelay/internal/webhooks"
)

// Broker fans resolved delivery events out to live subscribers. Keyed by
// companyId; the reserved key "*" receives every event (admin firehose).
type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan webhooks.DeliveryEvent]struct{} // companyId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan webhooks.DeliveryEvent]struct{}{}}
}

func (b *Broker) Subscribe(companyID string) chan webhooks.DeliveryEvent {
    ch := make(chan webhooks.DeliveryEvent, 8)
    b.mu.Lock()
    if b.subs[companyID] == nil { b.subs[companyID] = map[chan webhooks.DeliveryEvent]struct{}{} }
    b.subs[companyID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(companyID string, ch chan webhooks.DeliveryEvent) {
    b.mu.Lock()
    if m := b.subs[companyID]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, companyID) }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Publish(evt webhooks.DeliveryEvent) {
    b.mu.Lock()
    for _, key := range []string{evt.CompanyID, "*"} {
        for ch := range b.subs[key] {
            select { case ch <- evt: default: }
        }
    }
    b.mu.Unlock()
}
