package component

import (
	"context"

	"github.com/vulntor/busbridge/pkg/event"
)

// Composite presents several components as one under a shared name.
// Setup and Disconnect fan out to every delegate; the declared identifier
// lists are the de-duplicated union of the delegates' lists.
type Composite struct {
	name       string
	delegates  []Component
	connection *Composition
}

// NewComposite groups delegates under name.
func NewComposite(name string, delegates ...Component) *Composite {
	return &Composite{
		name:       name,
		delegates:  delegates,
		connection: Compose(delegates...),
	}
}

func (c *Composite) Descriptor() Descriptor {
	desc := Descriptor{Name: c.name}
	for _, d := range c.delegates {
		dd := d.Descriptor()
		desc.Observes = Merge(desc.Observes, dd.Observes)
		desc.Publishes = Merge(desc.Publishes, dd.Publishes)
	}
	return desc
}

// Delegates returns the grouped components.
func (c *Composite) Delegates() []Component {
	return append([]Component(nil), c.delegates...)
}

func (c *Composite) Setup(ctx context.Context, bus event.EventBus) error {
	return c.connection.setupAll(ctx, bus)
}

func (c *Composite) Disconnect(ctx context.Context) error {
	return c.connection.Disconnect(ctx)
}
