package modules

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/plainfunc"
	"github.com/vulntor/busbridge/pkg/remote"
)

func TestMain(m *testing.M) {
	if remote.IsWorkerProcess() {
		remote.RunWorker(Registry())
	}
	os.Exit(m.Run())
}

func TestRegistry_ListsBuiltins(t *testing.T) {
	var names []string
	for _, loc := range Registry().Locators() {
		names = append(names, loc.String())
	}
	assert.Equal(t, []string{
		"echo#default", "echo#delayed", "math#divide", "math#square", "text#upper",
	}, names)
}

func TestRegister_RejectsSecondRegistration(t *testing.T) {
	reg := Registry()
	assert.Error(t, Register(reg))
}

func TestEcho_InProcess(t *testing.T) {
	comp, err := Registry().Resolve(remote.ParseLocator("echo"), nil, zerolog.Nop())
	require.NoError(t, err)

	bus, err := component.Compose(comp).Connect(context.Background())
	require.NoError(t, err)

	reply, err := event.NewAwaiter(bus).Expect("echo.reply", nil)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "echo.request", "ping")
	require.NoError(t, err)

	got, err := reply.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestDivide(t *testing.T) {
	var (
		result any
		err    error
	)
	Divide(1, 4, func(r any, e error) { result, err = r, e })
	assert.NoError(t, err)
	assert.Equal(t, 0.25, result)

	Divide(1, 0, func(r any, e error) { result, err = r, e })
	assert.ErrorIs(t, err, ErrDivisionByZero)
	assert.Nil(t, result)
}

func TestUpper_ThroughBridge(t *testing.T) {
	b, err := remote.NewBridge(remote.Config{
		Name:    "upper",
		Locator: remote.ParseLocator("text#upper"),
		PlainFunction: &plainfunc.Config{
			RequestEvent:   "upper.request",
			ResponseEvent:  "upper.response",
			ExceptionEvent: "upper.exception",
			FieldToParam:   []string{"text"},
		},
		Stderr:    io.Discard,
		KillGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	c := component.Compose(b)
	bus, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = c.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := event.NewAwaiter(bus).Expect("upper.response", event.MatchField(plainfunc.CorrelationKey, "u1"))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "upper.request", map[string]any{plainfunc.CorrelationKey: "u1", "text": "banana"})
	require.NoError(t, err)

	got, err := reply.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BANANA", got.(map[string]any)[plainfunc.ResultKey])
}
