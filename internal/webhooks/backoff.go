package webhooks

import "time"

// Backoff maps an attempt number to the delay before the next retry:
// exponential doubling from Base, capped at Max. Delays are non-decreasing
// in the attempt number.
type Backoff struct {
    Base time.Duration
    Max  time.Duration
}

// DefaultBackoff matches the production policy: 2s doubling up to 64s.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 64 * time.Second}

// NextDelay returns the delay to wait after the given attempt (1-based).
func (b Backoff) NextDelay(attempt int) time.Duration {
    base := b.Base
    if base <= 0 { base = DefaultBackoff.Base }
    max := b.Max
    if max <= 0 { max = DefaultBackoff.Max }
    if attempt < 0 { attempt = 0 }
    if attempt > 16 { attempt = 16 }
    d := base << uint(attempt)
    if d > max || d <= 0 { d = max }
    return d
}
