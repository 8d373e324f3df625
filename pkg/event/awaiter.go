package event

import (
	"context"
	"reflect"
	"sync"
	"time"
)

const (
	// DefaultAwaitTimeout bounds a wait when no timeout option is given.
	DefaultAwaitTimeout = 5 * time.Second

	// NoTimeout disables the timer; the wait only ends on a match or cancellation.
	NoTimeout time.Duration = -1
)

// Filter selects which delivered payload settles a wait.
type Filter func(payload any) bool

// MatchField matches map payloads whose key equals value.
func MatchField(key string, value any) Filter {
	return func(payload any) bool {
		m, ok := payload.(map[string]any)
		if !ok {
			return false
		}
		v, ok := m[key]
		return ok && reflect.DeepEqual(v, value)
	}
}

// Awaiter turns the next matching publish of an identifier into a one-shot result.
type Awaiter struct {
	bus     EventBus
	timeout time.Duration
}

// AwaiterOption configures an Awaiter.
type AwaiterOption func(*Awaiter)

// WithTimeout sets how long a wait may last. Zero or negative disables the timer.
func WithTimeout(d time.Duration) AwaiterOption {
	return func(a *Awaiter) {
		a.timeout = d
	}
}

// NewAwaiter creates an Awaiter on bus.
func NewAwaiter(bus EventBus, opts ...AwaiterOption) *Awaiter {
	a := &Awaiter{bus: bus, timeout: DefaultAwaitTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WaitFor blocks until a payload published on id passes filter (nil accepts
// everything), the timeout elapses, or ctx is done.
func (a *Awaiter) WaitFor(ctx context.Context, id Identifier, filter Filter) (any, error) {
	p, err := a.Expect(id, filter)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Expect registers the one-shot observer immediately and returns a handle, so
// callers can register before publishing the event that triggers the reply.
func (a *Awaiter) Expect(id Identifier, filter Filter) (*Pending, error) {
	p := &Pending{
		bus:    a.bus,
		id:     id,
		filter: filter,
		done:   make(chan struct{}),
	}

	o, err := a.bus.Observe(id, p.observe)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.observer = o
	settled := p.settled
	if !settled && a.timeout > 0 {
		timeout := a.timeout
		p.timer = time.AfterFunc(timeout, func() {
			p.settle(nil, &TimeoutError{Identifier: id, After: timeout.String()})
		})
	}
	p.mu.Unlock()

	// A publish raced the assignment above and settled first.
	if settled {
		a.bus.RemoveObserver(o)
	}
	return p, nil
}

// Pending is an outstanding wait. Exactly one of match, timeout or
// cancellation settles it, and settling always removes both the observer and
// the timer.
type Pending struct {
	bus    EventBus
	id     Identifier
	filter Filter

	mu       sync.Mutex
	settled  bool
	observer *Observer
	timer    *time.Timer

	done    chan struct{}
	payload any
	err     error
}

func (p *Pending) observe(_ context.Context, payload any) (Result, error) {
	if p.filter != nil && !p.filter(payload) {
		return Keep(), nil
	}
	p.settle(payload, nil)
	return Keep(), nil
}

func (p *Pending) settle(payload any, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.payload = payload
	p.err = err
	o := p.observer
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if o != nil {
		p.bus.RemoveObserver(o)
	}
	close(p.done)
	return true
}

// Done is closed once the wait has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the settled payload and error. It must only be called after Done is closed.
func (p *Pending) Result() (any, error) { return p.payload, p.err }

// Wait blocks until the wait settles. If ctx ends first the wait is settled
// with ctx.Err().
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.settle(nil, ctx.Err())
		<-p.done
	}
	return p.Result()
}

// Cancel abandons the wait. A wait that has not settled yet settles with ErrCanceled.
func (p *Pending) Cancel() {
	p.settle(nil, ErrCanceled)
}
