package component

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulntor/busbridge/pkg/event"
)

// relay observes from and publishes to on every delivery.
func relay(name string, from, to event.Identifier) Component {
	return New(Descriptor{
		Name:      name,
		Observes:  []event.Identifier{from},
		Publishes: []event.Identifier{to},
	}, func(_ context.Context, bus event.EventBus) error {
		_, err := bus.Observe(from, event.Tap(func(ctx context.Context, _ any) error {
			_, err := bus.Publish(ctx, to, nil)
			return err
		}))
		return err
	})
}

func TestCompose_ChainDeliversExactlyOnce(t *testing.T) {
	c := Compose(relay("apple", "X", "Y"), relay("banana", "Y", "Z"))

	bus, err := c.Connect(context.Background())
	require.NoError(t, err)

	var z atomic.Int32
	_, err = bus.Observe("Z", event.Tap(func(context.Context, any) error {
		z.Add(1)
		return nil
	}))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "X", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), z.Load())
}

func TestCompose_ConnectWaitsForSlowSetup(t *testing.T) {
	slow := New(Descriptor{Name: "slow"}, func(_ context.Context, bus event.EventBus) error {
		time.Sleep(50 * time.Millisecond)
		_, err := bus.Observe("late", event.Tap(func(context.Context, any) error { return nil }))
		return err
	})

	shared := event.New()
	bus, err := ComposeWith([]Component{slow}, WithBus(shared)).Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, shared, bus)
	assert.Equal(t, 1, shared.Count("late"))
}

func TestCompose_SetupErrorSurfaces(t *testing.T) {
	bad := New(Descriptor{Name: "bad"}, func(context.Context, event.EventBus) error {
		return errors.New("no wiring")
	})

	_, err := Compose(bad, relay("ok", "A", "B")).Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `setup component "bad"`)
}

func TestDisconnect_RunsAllHooksAndReportsFailure(t *testing.T) {
	var ran atomic.Int32
	boom := errors.New("boom")

	hook := func(err error) Component {
		return New(Descriptor{Name: "c"}, nil, WithTeardown(func(context.Context) error {
			ran.Add(1)
			return err
		}))
	}

	c := Compose(hook(nil), hook(boom), hook(nil))
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	err = c.Disconnect(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), ran.Load())
}

func TestDisconnect_Idempotent(t *testing.T) {
	var ran atomic.Int32
	comp := New(Descriptor{Name: "once"}, nil, WithTeardown(func(context.Context) error {
		ran.Add(1)
		return nil
	}))

	require.NoError(t, comp.Disconnect(context.Background()))
	require.NoError(t, comp.Disconnect(context.Background()))
	assert.Equal(t, int32(1), ran.Load())
}

func TestComposite_MergesDescriptorsAndFansOut(t *testing.T) {
	var torn atomic.Int32
	teardown := WithTeardown(func(context.Context) error {
		torn.Add(1)
		return nil
	})

	a := New(Descriptor{Name: "api", Observes: []event.Identifier{"req", "ping"}, Publishes: []event.Identifier{"res"}}, nil, teardown)
	b := New(Descriptor{Name: "api", Observes: []event.Identifier{"req"}, Publishes: []event.Identifier{"res", "err"}}, nil, teardown)
	comp := NewComposite("api", a, b, relay("api", "ping", "pong"))

	desc := comp.Descriptor()
	assert.Equal(t, "api", desc.Name)
	assert.Equal(t, []event.Identifier{"req", "ping"}, desc.Observes)
	assert.Equal(t, []event.Identifier{"res", "err", "pong"}, desc.Publishes)
	assert.Len(t, comp.Delegates(), 3)

	bus := event.New()
	require.NoError(t, comp.Setup(context.Background(), bus))
	assert.Equal(t, 1, bus.Count("ping"))

	require.NoError(t, comp.Disconnect(context.Background()))
	assert.Equal(t, int32(2), torn.Load())
}

func TestMerge(t *testing.T) {
	got := Merge([]event.Identifier{"a", "b"}, []event.Identifier{"b", "c"}, nil, []event.Identifier{"a", "d"})
	assert.Equal(t, []event.Identifier{"a", "b", "c", "d"}, got)
}
