package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archetype-labs/archetyped/infrastructure/resilience"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// QueueCapacity bounds the in-process event queue (spec §4.11).
const QueueCapacity = 100

// WarnThreshold is the queue depth at which a depth warning is logged.
const WarnThreshold = 50

// Handler reacts to one event. Handlers are looked up by event type.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher drains a bounded queue of events sequentially, dispatching to
// registered handlers behind a per-handler circuit breaker.
type Dispatcher struct {
	queue    chan Event
	handlers map[EventType][]Handler
	breakers map[EventType]*resilience.CircuitBreaker
	dirty    atomic.Bool
	log      *logger.Logger

	mu sync.Mutex
}

// NewDispatcher builds a Dispatcher with an empty handler registry.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    make(chan Event, QueueCapacity),
		handlers: make(map[EventType][]Handler),
		breakers: make(map[EventType]*resilience.CircuitBreaker),
		log:      log,
	}
}

// Register adds a handler for an event type, with its own circuit breaker
// (spec §4.11: max 3 consecutive failures, 60s cooldown).
func (d *Dispatcher) Register(t EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
	if _, ok := d.breakers[t]; !ok {
		d.breakers[t] = resilience.New(resilience.Config{MaxFailures: 3, Timeout: 60 * time.Second})
	}
}

// Enqueue attempts to add an event to the queue. On a full queue the event
// is dropped with a warning; periodic sweeps are the safety net.
func (d *Dispatcher) Enqueue(ev Event) {
	select {
	case d.queue <- ev:
		if depth := len(d.queue); depth > WarnThreshold && d.log != nil {
			d.log.Warnf("cleanup: event queue depth %d exceeds warn threshold %d", depth, WarnThreshold)
		}
	default:
		if d.log != nil {
			d.log.Warnf("cleanup: event queue full, dropping %s event for lab %s", ev.Type, ev.LabID)
		}
	}
}

// Run drains the queue until ctx is cancelled, dispatching each event to
// its registered handlers sequentially.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	d.mu.Lock()
	handlers := append([]Handler(nil), d.handlers[ev.Type]...)
	breaker := d.breakers[ev.Type]
	d.mu.Unlock()

	for _, h := range handlers {
		d.runHandler(ctx, ev, h, breaker)
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, ev Event, h Handler, breaker *resilience.CircuitBreaker) {
	if breaker == nil {
		_ = d.invoke(ctx, ev, h)
		return
	}

	err := breaker.Execute(ctx, func() error {
		callErr := h(ctx, ev)
		if callErr != nil {
			// One retry after a brief backoff before the breaker's failure
			// counter is incremented (spec §4.11).
			time.Sleep(50 * time.Millisecond)
			callErr = h(ctx, ev)
		}
		return callErr
	})
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warnf("cleanup: handler for %s failed or breaker open", ev.Type)
		}
		return
	}
	d.dirty.Store(true)
}

func (d *Dispatcher) invoke(ctx context.Context, ev Event, h Handler) error {
	err := h(ctx, ev)
	if err != nil && d.log != nil {
		d.log.WithError(err).Warnf("cleanup: handler for %s failed", ev.Type)
	}
	if err == nil {
		d.dirty.Store(true)
	}
	return err
}

// Dirty reports whether a handler has succeeded since the last Clear,
// signaling periodic monitors to run an extra pass (spec §4.11).
func (d *Dispatcher) Dirty() bool {
	return d.dirty.Load()
}

// ClearDirty resets the dirty flag after a monitor has acted on it.
func (d *Dispatcher) ClearDirty() {
	d.dirty.Store(false)
}
