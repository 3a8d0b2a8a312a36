package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventEmitter provides non-blocking emission of BusEvents to an EventBus.
// Emit never blocks callers and drops when the buffer is full; events are
// published on a single worker goroutine.
type EventEmitter struct {
	bus    *EventBus
	ch     chan BusEvent
	done   chan struct{}
	logger *zap.Logger

	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEventEmitter creates an emitter for the given bus. If bus is nil a private bus is created.
func NewEventEmitter(bus *EventBus, buffer int, logger *zap.Logger) *EventEmitter {
	if bus == nil {
		bus = NewEventBus(0)
	}
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		bus:    bus,
		ch:     make(chan BusEvent, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Bus returns the bus events are published to.
func (e *EventEmitter) Bus() *EventBus { return e.bus }

// Start launches the background publisher loop (idempotent).
func (e *EventEmitter) Start() {
	e.startOnce.Do(func() {
		go func() {
			for {
				select {
				case ev := <-e.ch:
					e.bus.Publish(ev)
				case <-e.done:
					return
				}
			}
		}()
	})
}

// Stop ends the publisher loop. Events still buffered are discarded.
func (e *EventEmitter) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Emit enqueues an event for async publish. If the buffer is full, the event is dropped.
func (e *EventEmitter) Emit(ev BusEvent) {
	if e == nil || ev == nil {
		return
	}
	e.Start()
	select {
	case e.ch <- ev:
	default:
		n := e.dropped.Add(1)
		// Log the first drop and then every 1000th.
		if n == 1 || n%1000 == 0 {
			e.logger.Debug("event emitter dropped events (buffer full)",
				zap.Int64("dropped", n), zap.String("event_type", ev.EventType()))
		}
	}
}

// Dropped returns the number of dropped events.
func (e *EventEmitter) Dropped() int64 {
	return e.dropped.Load()
}
