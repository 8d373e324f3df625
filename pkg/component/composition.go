package component

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vulntor/busbridge/pkg/event"
)

// Composition wires a set of components onto one shared bus.
type Composition struct {
	components []Component
	bus        event.EventBus
	logger     zerolog.Logger
}

// ComposeOption configures a Composition.
type ComposeOption func(*Composition)

// WithBus reuses an existing bus instead of creating one on Connect.
func WithBus(bus event.EventBus) ComposeOption {
	return func(c *Composition) {
		c.bus = bus
	}
}

// WithLogger sets the composition logger.
func WithLogger(logger zerolog.Logger) ComposeOption {
	return func(c *Composition) {
		c.logger = logger.With().Str("component", "composition").Logger()
	}
}

// Compose creates a composition of components.
func Compose(components ...Component) *Composition {
	return ComposeWith(components)
}

// ComposeWith creates a composition with options.
func ComposeWith(components []Component, opts ...ComposeOption) *Composition {
	c := &Composition{
		components: components,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bus returns the shared bus, or nil before Connect when none was supplied.
func (c *Composition) Bus() event.EventBus { return c.bus }

// Connect runs every component's Setup concurrently against the shared bus and
// returns once all of them completed. The first setup failure is returned.
func (c *Composition) Connect(ctx context.Context) (event.EventBus, error) {
	if c.bus == nil {
		c.bus = event.New(event.WithLogger(c.logger))
	}

	c.logger.Debug().Strs("components", c.names()).Msg("Connecting")
	if err := c.setupAll(ctx, c.bus); err != nil {
		return c.bus, err
	}
	c.logger.Debug().Msg("Connected")
	return c.bus, nil
}

func (c *Composition) setupAll(ctx context.Context, bus event.EventBus) error {
	var g errgroup.Group
	for _, comp := range c.components {
		g.Go(func() error {
			if err := comp.Setup(ctx, bus); err != nil {
				return fmt.Errorf("setup component %q: %w", comp.Descriptor().Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Disconnect invokes every component's Disconnect concurrently. All hooks run
// even when some fail; the first failure is returned.
func (c *Composition) Disconnect(ctx context.Context) error {
	c.logger.Debug().Msg("Disconnecting")

	var g errgroup.Group
	for _, comp := range c.components {
		g.Go(func() error {
			if err := comp.Disconnect(ctx); err != nil {
				c.logger.Warn().Err(err).Str("name", comp.Descriptor().Name).Msg("Disconnect failed")
				return fmt.Errorf("disconnect component %q: %w", comp.Descriptor().Name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	c.logger.Debug().Msg("Disconnected")
	return err
}

func (c *Composition) names() []string {
	names := make([]string, 0, len(c.components))
	for _, comp := range c.components {
		names = append(names, comp.Descriptor().Name)
	}
	return names
}
