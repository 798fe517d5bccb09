package webhooks

import (
    "context"
    "errors"
    "sync"
)

var (
    errBackendFull   = errors.New("in-memory queue buffer full")
    errBackendClosed = errors.New("in-memory queue backend closed")
)

// MemoryBackend is the in-process fallback transport used when no REDIS_URL
// is configured: a bounded channel of delivery ids. Jobs buffered here are
// lost on process restart; the durable records in the store plus the sweep
// make that loss recoverable, but operators should know they are running
// without a broker.
type MemoryBackend struct {
    mu     sync.Mutex
    jobs   chan string
    closed bool
}

func NewMemoryBackend(buffer int) *MemoryBackend {
    if buffer <= 0 {
        buffer = 1024
    }
    return &MemoryBackend{jobs: make(chan string, buffer)}
}

// Notify stays safe during shutdown: a late enqueue from the sweep or a
// detached dispatch gets an error instead of a send on a closed channel.
func (m *MemoryBackend) Notify(ctx context.Context, id string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return errBackendClosed
    }
    select {
    case m.jobs <- id:
        return nil
    default:
        // Dropped notifications are re-discovered by the sweep.
        return errBackendFull
    }
}

func (m *MemoryBackend) Jobs() <-chan string { return m.jobs }

func (m *MemoryBackend) Close() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if !m.closed {
        m.closed = true
        close(m.jobs)
    }
    return nil
}

func (m *MemoryBackend) Name() string { return "memory" }
