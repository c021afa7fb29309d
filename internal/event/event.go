package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type subscription struct {
	h       Handler
	removed atomic.Bool
}

// Dispatcher is an in-memory, synchronous event fan-out scoped to one bound session.
//
// Handlers run on the publishing goroutine, in subscription order. A handler that panics or
// returns an error is logged and does not prevent delivery to the others.
type Dispatcher struct {
	mu       sync.RWMutex
	closed   bool
	handlers map[string][]*subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe registers h for events named name. The returned function unsubscribes and is safe to call more than once.
// Subscribing to a closed dispatcher is a no-op.
func (d *Dispatcher) Subscribe(name string, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return func() {}
	}

	s := &subscription{h: h}
	d.handlers[name] = append(d.handlers[name], s)

	return sync.OnceFunc(func() {
		d.remove(name, s)
	})
}

func (d *Dispatcher) remove(name string, s *subscription) {
	s.removed.Store(true)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[name] = slices.DeleteFunc(d.handlers[name], func(x *subscription) bool { return x == s })
	if len(d.handlers[name]) == 0 {
		delete(d.handlers, name)
	}
}

// Publish delivers e to every handler currently registered for its name.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	d.mu.RLock()
	subs := slices.Clone(d.handlers[e.Name()])
	d.mu.RUnlock()

	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		d.dispatch(ctx, s.h, e)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()

	if err := h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Len returns the number of handlers registered for name.
func (d *Dispatcher) Len(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.handlers[name])
}

// Close drops every handler. Later subscriptions are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, subs := range d.handlers {
		for _, s := range subs {
			s.removed.Store(true)
		}
	}
	clear(d.handlers)
	d.closed = true
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.closed
}
