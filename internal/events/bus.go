// Package events carries engine lifecycle and state-transition notifications to
// subscribers over typed channels.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	EngineActivated       Type = "engine.activated"
	EngineDeactivated     Type = "engine.deactivated"
	TransactionAdmitted   Type = "transaction.admitted"
	TransactionRejected   Type = "transaction.rejected"
	TransactionCancelled  Type = "transaction.cancelled"
	AttemptSubmitted      Type = "attempt.submitted"
	AttemptFailed         Type = "attempt.failed"
	PayoutSettled         Type = "payout.settled"
	PayoutAbandoned       Type = "payout.abandoned"
	ReconciliationFlagged Type = "reconciliation.mismatched"
	ReconciliationCleared Type = "reconciliation.cleared"
	KeyRotated            Type = "key.rotated"
)

// Event is one notification. TransactionID is uuid.Nil for engine-level events.
type Event struct {
	Type          Type           `json:"type"`
	TransactionID uuid.UUID      `json:"transaction_id"`
	UserID        int64          `json:"user_id,omitempty"`
	At            time.Time      `json:"at"`
	Data          map[string]any `json:"data,omitempty"`
}

// Publisher is what engine components depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	logger  *slog.Logger
	closed  bool
}

var _ Publisher = (*Bus)(nil)

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel receiving every later event and a func that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event subscriber buffer full, dropping event", "type", e.Type, "transaction_id", e.TransactionID)
		}
	}
}

// Dropped returns how many deliveries were skipped.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close unsubscribes everyone. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
