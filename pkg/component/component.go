// Package component bundles observers into named units that declare which
// events they consume and produce, and wires sets of them onto one bus.
package component

import (
	"context"
	"sync"

	"github.com/vulntor/busbridge/pkg/event"
)

// Descriptor declares a component's name and event surface.
type Descriptor struct {
	Name      string             `json:"name"`
	Observes  []event.Identifier `json:"observes"`
	Publishes []event.Identifier `json:"publishes"`
}

// Component is a unit that can be connected to a bus and later disconnected.
type Component interface {
	Descriptor() Descriptor
	// Setup registers observers on bus. It returns once registration is complete.
	Setup(ctx context.Context, bus event.EventBus) error
	// Disconnect releases whatever Setup acquired. Calling it more than once is a no-op.
	Disconnect(ctx context.Context) error
}

// SetupFunc performs a component's observe/publish wiring.
type SetupFunc func(ctx context.Context, bus event.EventBus) error

// TeardownFunc runs on the first Disconnect.
type TeardownFunc func(ctx context.Context) error

// Option configures a component built by New.
type Option func(*funcComponent)

// WithTeardown sets the disconnect hook.
func WithTeardown(fn TeardownFunc) Option {
	return func(c *funcComponent) {
		c.teardown = fn
	}
}

// New creates a component from a descriptor and a setup function.
func New(desc Descriptor, setup SetupFunc, opts ...Option) Component {
	c := &funcComponent{desc: desc, setup: setup}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type funcComponent struct {
	desc     Descriptor
	setup    SetupFunc
	teardown TeardownFunc

	once sync.Once
	err  error
}

func (c *funcComponent) Descriptor() Descriptor { return c.desc }

func (c *funcComponent) Setup(ctx context.Context, bus event.EventBus) error {
	if c.setup == nil {
		return nil
	}
	return c.setup(ctx, bus)
}

func (c *funcComponent) Disconnect(ctx context.Context) error {
	c.once.Do(func() {
		if c.teardown != nil {
			c.err = c.teardown(ctx)
		}
	})
	return c.err
}

// Merge appends identifiers from more to ids, skipping duplicates and keeping first-seen order.
func Merge(ids []event.Identifier, more ...[]event.Identifier) []event.Identifier {
	seen := make(map[event.Identifier]struct{}, len(ids))
	out := make([]event.Identifier, 0, len(ids))
	for _, list := range append([][]event.Identifier{ids}, more...) {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
