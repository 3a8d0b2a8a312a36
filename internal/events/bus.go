// Package events provides the in-process event bus that fans session lifecycle
// events out to WebSocket clients and other subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BusEvent is anything published on the bus.
type BusEvent interface {
	EventType() string
	EventTimestamp() time.Time
	EventSession() string
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session,omitempty"`
}

func (e BaseEvent) EventType() string         { return e.Type }
func (e BaseEvent) EventTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) EventSession() string      { return e.Session }

// Handler receives published events.
type Handler func(BusEvent)

type subscription struct {
	id      uint64
	handler Handler
}

const allEvents = "*"

// EventBus delivers each published event to its subscribers. Handlers run on
// their own goroutines; the number in flight is bounded by handlerSem, and
// Publish blocks once that bound is reached.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	historyMu   sync.Mutex
	history     []BusEvent
	historySize int

	handlerSem chan struct{}
	inflight   sync.WaitGroup
	logger     *zap.Logger
}

// NewEventBus creates a bus that remembers the last historySize events.
func NewEventBus(historySize int) *EventBus {
	if historySize < 0 {
		historySize = 0
	}
	return &EventBus{
		subs:        make(map[string][]subscription),
		historySize: historySize,
		handlerSem:  make(chan struct{}, 64),
		logger:      zap.NewNop(),
	}
}

// SetLogger sets the logger used for handler panics.
func (b *EventBus) SetLogger(l *zap.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Subscribe registers h for one event type and returns a function that removes it.
func (b *EventBus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[eventType]
		for i, s := range list {
			if s.id == id {
				b.subs[eventType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[eventType]) == 0 {
			delete(b.subs, eventType)
		}
	}
}

// SubscribeAll registers h for every event type.
func (b *EventBus) SubscribeAll(h Handler) func() {
	return b.Subscribe(allEvents, h)
}

// Publish records ev in history and dispatches it to matching handlers.
func (b *EventBus) Publish(ev BusEvent) {
	if ev == nil {
		return
	}
	b.remember(ev)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.EventType()])+len(b.subs[allEvents]))
	for _, s := range b.subs[ev.EventType()] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.subs[allEvents] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.handlerSem <- struct{}{}
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			defer func() { <-b.handlerSem }()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", ev.EventType()), zap.Any("panic", r))
				}
			}()
			h(ev)
		}(h)
	}
}

// Wait blocks until all dispatched handlers have returned.
func (b *EventBus) Wait() {
	b.inflight.Wait()
}

// History returns up to n of the most recent events, oldest first.
func (b *EventBus) History(n int) []BusEvent {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]BusEvent, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

func (b *EventBus) remember(ev BusEvent) {
	if b.historySize == 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.historySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}
