package plainfunc

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/event"
)

var testConfig = Config{
	RequestEvent:   "Request",
	ResponseEvent:  "Response",
	ExceptionEvent: "Exception",
}

type replies struct {
	responses  atomic.Int32
	exceptions atomic.Int32
	last       atomic.Value
}

func connect(t *testing.T, comp component.Component) (event.EventBus, *replies) {
	t.Helper()

	bus, err := component.Compose(comp).Connect(context.Background())
	require.NoError(t, err)

	r := &replies{}
	_, err = bus.Observe("Response", event.Tap(func(_ context.Context, p any) error {
		r.responses.Add(1)
		r.last.Store(p)
		return nil
	}))
	require.NoError(t, err)
	_, err = bus.Observe("Exception", event.Tap(func(_ context.Context, p any) error {
		r.exceptions.Add(1)
		r.last.Store(p)
		return nil
	}))
	require.NoError(t, err)
	return bus, r
}

func withFields(fields ...string) Config {
	cfg := testConfig
	cfg.FieldToParam = fields
	return cfg
}

func withCallback(idx int, fields ...string) Config {
	cfg := withFields(fields...)
	cfg.CallbackParamIndex = &idx
	return cfg
}

func TestAdapter_ReturnValue(t *testing.T) {
	double := func(x int) int { return x * 2 }

	comp, err := New("double", withFields("x"), double)
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r1", "x": 5.0})
	require.NoError(t, err)

	assert.Equal(t, int32(1), r.responses.Load())
	assert.Zero(t, r.exceptions.Load())
	assert.Equal(t, map[string]any{CorrelationKey: "r1", ResultKey: 10}, r.last.Load())
}

func TestAdapter_ErrorBecomesException(t *testing.T) {
	fail := func(ctx context.Context, name string) (string, error) {
		return "", errors.New("no such user: " + name)
	}

	comp, err := New("lookup", withFields("name"), fail)
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r2", "name": "bob"})
	require.NoError(t, err)

	assert.Zero(t, r.responses.Load())
	assert.Equal(t, int32(1), r.exceptions.Load())
	assert.Equal(t, map[string]any{CorrelationKey: "r2", ErrorKey: "no such user: bob"}, r.last.Load())
}

func TestAdapter_PanicBecomesException(t *testing.T) {
	comp, err := New("explode", testConfig, func(any) error { panic("kaboom") })
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r3"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), r.exceptions.Load())
	assert.Contains(t, r.last.Load().(map[string]any)[ErrorKey], "kaboom")
}

func TestAdapter_CallbackCompletion(t *testing.T) {
	handler := func(event map[string]any, lambdaCtx map[string]any, done Done) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			done(map[string]any{"statusCode": 999, "body": event}, nil)
			done(nil, errors.New("second call ignored"))
		}()
	}

	comp, err := New("lambda", withCallback(2, "event", "context"), handler)
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{
		CorrelationKey: "r4",
		"event":        map[string]any{"foo": 1.0},
		"context":      map[string]any{},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), r.responses.Load())
	assert.Zero(t, r.exceptions.Load())
	result := r.last.Load().(map[string]any)[ResultKey].(map[string]any)
	assert.Equal(t, 999, result["statusCode"])
	assert.Equal(t, map[string]any{"foo": 1.0}, result["body"])
}

func TestAdapter_CallbackError(t *testing.T) {
	handler := func(ctx context.Context, done Done, x int) {
		done(nil, errors.New("bad x"))
	}

	comp, err := New("cb", withCallback(0, "x"), handler)
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r5", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.exceptions.Load())
}

func TestAdapter_WholePayloadAndGeneratedCorrelationID(t *testing.T) {
	comp, err := New("upper", testConfig, strings.ToUpper)
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", "shout")
	require.NoError(t, err)

	reply := r.last.Load().(map[string]any)
	assert.Equal(t, "SHOUT", reply[ResultKey])
	assert.NotEmpty(t, reply[CorrelationKey])
}

func TestAdapter_StructParameter(t *testing.T) {
	type point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	norm := func(p point) float64 { return p.X*p.X + p.Y*p.Y }

	comp, err := New("norm", withFields("point"), norm)
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{
		CorrelationKey: "r6",
		"point":        map[string]any{"x": 3.0, "y": 4.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, r.last.Load().(map[string]any)[ResultKey])
}

func TestAdapter_BadArgumentBecomesException(t *testing.T) {
	comp, err := New("double", withFields("x"), func(x int) int { return x })
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r7", "x": "not a number"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.exceptions.Load())
	assert.Contains(t, r.last.Load().(map[string]any)[ErrorKey], ErrBadRequest.Error())
}

func TestAdapter_FractionalIntegerArgumentBecomesException(t *testing.T) {
	called := false
	comp, err := New("double", withFields("x"), func(x int) int { called = true; return x * 2 })
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r8", "x": 5.7})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, int32(1), r.exceptions.Load())
	assert.Zero(t, r.responses.Load())
	assert.Contains(t, r.last.Load().(map[string]any)[ErrorKey], ErrBadRequest.Error())

	// whole-valued floats are still accepted
	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: "r9", "x": 6.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{CorrelationKey: "r9", ResultKey: 12}, r.last.Load())
}

func TestAdapter_EchoesNonStringCorrelationID(t *testing.T) {
	comp, err := New("double", withFields("x"), func(x int) int { return x * 2 })
	require.NoError(t, err)
	bus, r := connect(t, comp)

	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: 42.0, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{CorrelationKey: 42.0, ResultKey: 2}, r.last.Load())

	reply, err := event.NewAwaiter(bus).Expect("Response", event.MatchField(CorrelationKey, 42.0))
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "Request", map[string]any{CorrelationKey: 42.0, "x": 3})
	require.NoError(t, err)
	got, err := reply.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, got.(map[string]any)[ResultKey])
}

func TestNew_RejectsBadSignatures(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		fn   any
		want error
	}{
		{"not a func", testConfig, 42, ErrNotAFunction},
		{"nil", testConfig, nil, ErrNotAFunction},
		{"variadic", testConfig, func(xs ...int) {}, ErrSignature},
		{"arity", withFields("a", "b"), func(a int) {}, ErrSignature},
		{"callback out of range", withCallback(3, "a"), func(a int, d Done) {}, ErrSignature},
		{"callback wrong type", withCallback(1, "a"), func(a int, d func()) {}, ErrSignature},
		{"results", testConfig, func(any) (int, int) { return 0, 0 }, ErrSignature},
		{"invalid identifier", Config{RequestEvent: "Request"}, func(any) {}, event.ErrInvalidIdentifier},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("x", tc.cfg, tc.fn)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConfigDescriptor(t *testing.T) {
	desc := testConfig.Descriptor("fn")
	assert.Equal(t, "fn", desc.Name)
	assert.Equal(t, []event.Identifier{"Request"}, desc.Observes)
	assert.Equal(t, []event.Identifier{"Response", "Exception"}, desc.Publishes)
}
