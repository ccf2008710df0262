/*
events.go - Post-commit ledger events

PURPOSE:
  Fans committed ledger entries out to in-process subscribers. The
  coordinator publishes only after a unit commits, so a subscriber never
  sees an entry that was rolled back.

EVENT TYPES:
  reward.applied   an entry that credited points or cashback
  spend.applied    an entry that debited points or cashback

DELIVERY:
  Handlers registered with Subscribe run on their own goroutine and never
  block the publisher. Handlers registered with SubscribeSync run inline,
  before the coordinator returns to its caller; they are for short,
  local reactions such as cache invalidation. Handler errors are logged,
  not retried. Delivery is best-effort and in-memory; the ledger table
  remains the durable record.
*/
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/rewards-ledger/generic"
)

// EventType represents the type of event.
type EventType string

const (
	EventRewardApplied EventType = "reward.applied"
	EventSpendApplied  EventType = "spend.applied"
)

// Event is one delivered notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Entry     generic.LedgerEntry
	Balance   generic.UserBalance
}

// Handler handles one event.
type Handler func(ctx context.Context, event Event) error

// Manager implements generic.Publisher.
type Manager struct {
	Logger *slog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	inline   map[EventType][]Handler
	enabled  bool
	inflight sync.WaitGroup
}

var _ generic.Publisher = (*Manager)(nil)

func NewManager(enabled bool) *Manager {
	return &Manager{
		Logger:   slog.Default(),
		handlers: make(map[EventType][]Handler),
		inline:   make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe registers handler for one event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// SubscribeSync registers a handler that runs on the publishing goroutine.
func (m *Manager) SubscribeSync(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.inline[eventType] = append(m.inline[eventType], handler)
}

// PublishEntry classifies a committed entry and delivers it.
func (m *Manager) PublishEntry(ctx context.Context, entry generic.LedgerEntry, balance generic.UserBalance) {
	eventType := EventRewardApplied
	if entry.IsSpend() {
		eventType = EventSpendApplied
	}

	m.mu.RLock()
	enabled := m.enabled
	handlers := m.handlers[eventType]
	inline := m.inline[eventType]
	if enabled && len(handlers) > 0 {
		m.inflight.Add(len(handlers))
	}
	m.mu.RUnlock()

	if !enabled {
		return
	}
	m.Logger.DebugContext(ctx, "ledger event",
		slog.String("type", string(eventType)),
		slog.String("user_id", string(entry.UserID)),
		slog.String("kind", string(entry.Kind)),
		slog.String("key", entry.Key))

	event := Event{Type: eventType, Timestamp: entry.CreatedAt, Entry: entry, Balance: balance}
	// The request context may end before a handler runs.
	hctx := context.WithoutCancel(ctx)
	for _, h := range inline {
		m.deliver(hctx, h, event)
	}
	for _, h := range handlers {
		go func(h Handler) {
			defer m.inflight.Done()
			m.deliver(hctx, h, event)
		}(h)
	}
}

func (m *Manager) deliver(ctx context.Context, h Handler, event Event) {
	if err := h(ctx, event); err != nil {
		m.Logger.WarnContext(ctx, "event handler failed",
			slog.String("type", string(event.Type)),
			slog.String("entry_id", string(event.Entry.ID)),
			slog.Any("error", err))
	}
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown stops delivery and waits for in-flight handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.inline = make(map[EventType][]Handler)
	m.mu.Unlock()
	m.inflight.Wait()
}
