package event

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/metrics"
)

// Bus is the default EventBus implementation. It is safe for concurrent use:
// table mutations are serialized, and each publish folds over a snapshot of
// the observer list taken when the publish starts.
type Bus struct {
	mu        sync.RWMutex
	observers map[Identifier][]*Observer

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger.With().Str("component", "event.bus").Logger()
	}
}

// WithMetrics records publish counts and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		observers: make(map[Identifier][]*Observer),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe appends cb to the tail of the observer list for id.
// The same callback may be registered more than once; every registration fires.
func (b *Bus) Observe(id Identifier, cb Callback) (*Observer, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, ErrNilCallback
	}

	o := &Observer{id: id, callback: cb}

	b.mu.Lock()
	b.observers[id] = append(b.observers[id], o)
	count := len(b.observers[id])
	b.mu.Unlock()

	b.logger.Debug().Str("identifier", string(id)).Int("observers", count).Msg("Observer added")
	return o, nil
}

// RemoveObserver removes exactly the entry registered as o. Unknown or
// already removed observers are ignored.
func (b *Bus) RemoveObserver(o *Observer) {
	if o == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.observers[o.id]
	for i, candidate := range list {
		if candidate != o {
			continue
		}
		next := make([]*Observer, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.observers, o.id)
		} else {
			b.observers[o.id] = next
		}
		b.logger.Debug().Str("identifier", string(o.id)).Msg("Observer removed")
		return
	}
}

// Publish delivers payload to the observers of id in registration order and
// returns the folded payload. With no observers the original payload is
// returned. The first failing observer aborts the chain with an *ObserverError.
func (b *Bus) Publish(ctx context.Context, id Identifier, payload any) (any, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	// Observe only appends and RemoveObserver copies, so the header is a stable snapshot.
	observers := b.observers[id]
	b.mu.RUnlock()

	if len(observers) == 0 {
		b.logger.Trace().Str("identifier", string(id)).Msg("Publish ignored, no observers")
		return payload, nil
	}

	start := time.Now()
	current := payload
	for i, o := range observers {
		if err := ctx.Err(); err != nil {
			b.metrics.ObservePublish(string(id), time.Since(start).Seconds(), true)
			return current, &ObserverError{Identifier: id, Index: i, Err: err}
		}

		result, err := invoke(ctx, o.callback, current)
		if err != nil {
			b.metrics.ObservePublish(string(id), time.Since(start).Seconds(), true)
			b.logger.Debug().Err(err).Str("identifier", string(id)).Int("index", i).Msg("Observer failed")
			return current, &ObserverError{Identifier: id, Index: i, Err: err}
		}
		current = result.Apply(current)
	}

	b.metrics.ObservePublish(string(id), time.Since(start).Seconds(), false)
	return current, nil
}

// Observed lists the identifiers that currently have at least one observer.
func (b *Bus) Observed() []Identifier {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]Identifier, 0, len(b.observers))
	for id := range b.observers {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of observers registered for id.
func (b *Bus) Count(id Identifier) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers[id])
}

func invoke(ctx context.Context, cb Callback, payload any) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return cb(ctx, payload)
}
