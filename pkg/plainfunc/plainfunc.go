// Package plainfunc wraps an ordinary Go function into a component that
// answers request events with response or exception events.
//
// A request payload is a map carrying a correlation id plus whatever fields
// the function needs. The reply echoes the id so callers can match it, for
// example with event.MatchField(plainfunc.CorrelationKey, id).
package plainfunc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/event"
)

const (
	// CorrelationKey is the payload field holding the correlation id.
	CorrelationKey = "correlationId"
	// ResultKey holds the function result in a response payload.
	ResultKey = "result"
	// ErrorKey holds the error message in an exception payload.
	ErrorKey = "error"
)

var (
	// ErrNotAFunction is returned when New is given something other than a func.
	ErrNotAFunction = errors.New("plain function adapter requires a func value")
	// ErrSignature is returned when the func cannot be called with the configured parameters.
	ErrSignature = errors.New("function signature does not match adapter config")
	// ErrBadRequest is reported through the exception event when a request cannot be turned into arguments.
	ErrBadRequest = errors.New("bad request payload")
)

// Done is the completion callback injected at Config.CallbackParamIndex.
// Only its first invocation counts.
type Done func(result any, err error)

// Config describes how a function is exposed on the bus.
type Config struct {
	RequestEvent   event.Identifier `json:"requestEvent" koanf:"request_event" yaml:"request_event" validate:"required"`
	ResponseEvent  event.Identifier `json:"responseEvent" koanf:"response_event" yaml:"response_event" validate:"required"`
	ExceptionEvent event.Identifier `json:"exceptionEvent" koanf:"exception_event" yaml:"exception_event" validate:"required"`

	// CallbackParamIndex, when set, is the position (ignoring a leading
	// context.Context) where a Done callback is passed. The call completes
	// when Done is invoked instead of when the function returns.
	CallbackParamIndex *int `json:"callbackParamIndex,omitempty" koanf:"callback_param_index" yaml:"callback_param_index,omitempty"`

	// FieldToParam lists request fields in parameter order. When empty the
	// whole request payload is passed as the only parameter.
	FieldToParam []string `json:"fieldToParam,omitempty" koanf:"field_to_param" yaml:"field_to_param,omitempty"`
}

// Validate checks the event identifiers.
func (c Config) Validate() error {
	for _, id := range []event.Identifier{c.RequestEvent, c.ResponseEvent, c.ExceptionEvent} {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	if c.CallbackParamIndex != nil && *c.CallbackParamIndex < 0 {
		return fmt.Errorf("%w: negative callback parameter index %d", ErrSignature, *c.CallbackParamIndex)
	}
	return nil
}

// Descriptor returns the component descriptor for name under cfg.
func (c Config) Descriptor(name string) component.Descriptor {
	return component.Descriptor{
		Name:      name,
		Observes:  []event.Identifier{c.RequestEvent},
		Publishes: []event.Identifier{c.ResponseEvent, c.ExceptionEvent},
	}
}

// Option configures the adapter.
type Option func(*adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *adapter) {
		a.logger = logger
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	doneType    = reflect.TypeOf(Done(nil))
)

type adapter struct {
	name   string
	cfg    Config
	fn     reflect.Value
	logger zerolog.Logger

	// withContext is true when the first parameter is a context.Context.
	withContext bool
	// params are the parameter types after the optional context.
	params []reflect.Type
}

// New wraps fn. The returned component observes cfg.RequestEvent and
// publishes cfg.ResponseEvent or cfg.ExceptionEvent for every request.
func New(name string, cfg Config, fn any, opts ...Option) (component.Component, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &adapter{name: name, cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "plainfunc").Str("name", name).Logger()

	if err := a.bind(fn); err != nil {
		return nil, err
	}

	return component.New(cfg.Descriptor(name), a.setup), nil
}

func (a *adapter) bind(fn any) error {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return ErrNotAFunction
	}
	t := v.Type()
	if t.IsVariadic() {
		return fmt.Errorf("%w: variadic functions are not supported", ErrSignature)
	}

	in := make([]reflect.Type, 0, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		in = append(in, t.In(i))
	}
	if len(in) > 0 && in[0] == contextType {
		a.withContext = true
		in = in[1:]
	}

	values := 1
	if len(a.cfg.FieldToParam) > 0 {
		values = len(a.cfg.FieldToParam)
	}
	want := values
	if idx := a.cfg.CallbackParamIndex; idx != nil {
		want++
		if *idx >= len(in) {
			return fmt.Errorf("%w: callback index %d out of range for %d parameters", ErrSignature, *idx, len(in))
		}
		if !doneType.AssignableTo(in[*idx]) && !doneType.ConvertibleTo(in[*idx]) {
			return fmt.Errorf("%w: parameter %d is %s, want plainfunc.Done", ErrSignature, *idx, in[*idx])
		}
	}
	if len(in) != want {
		return fmt.Errorf("%w: function takes %d parameters, config supplies %d", ErrSignature, len(in), want)
	}

	if n := t.NumOut(); n > 2 || (n == 2 && t.Out(1) != errorType) {
		return fmt.Errorf("%w: results must be (), (T), (error) or (T, error)", ErrSignature)
	}

	a.fn = v
	a.params = in
	return nil
}

func (a *adapter) setup(_ context.Context, bus event.EventBus) error {
	_, err := bus.Observe(a.cfg.RequestEvent, event.Tap(func(ctx context.Context, payload any) error {
		return a.handle(ctx, bus, payload)
	}))
	return err
}

func (a *adapter) handle(ctx context.Context, bus event.EventBus, payload any) error {
	correlationID := extractCorrelationID(payload)

	result, err := a.call(ctx, payload)
	if err != nil {
		a.logger.Debug().Err(err).Interface("correlation_id", correlationID).Msg("Function failed")
		_, perr := bus.Publish(ctx, a.cfg.ExceptionEvent, map[string]any{
			CorrelationKey: correlationID,
			ErrorKey:       err.Error(),
		})
		return perr
	}

	_, perr := bus.Publish(ctx, a.cfg.ResponseEvent, map[string]any{
		CorrelationKey: correlationID,
		ResultKey:      result,
	})
	return perr
}

func (a *adapter) call(ctx context.Context, payload any) (result any, err error) {
	values, err := a.arguments(payload)
	if err != nil {
		return nil, err
	}

	var completion chan outcome
	args := make([]reflect.Value, 0, len(a.params)+1)
	if a.withContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	next := 0
	for i, pt := range a.params {
		if idx := a.cfg.CallbackParamIndex; idx != nil && *idx == i {
			completion = make(chan outcome, 1)
			args = append(args, reflect.ValueOf(newDone(completion)).Convert(pt))
			continue
		}
		arg, cerr := coerce(values[next], pt)
		if cerr != nil {
			return nil, fmt.Errorf("%w: parameter %d: %w", ErrBadRequest, i, cerr)
		}
		args = append(args, arg)
		next++
	}

	out, err := a.invoke(args)
	if completion == nil || err != nil {
		return out, err
	}

	select {
	case o := <-completion:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *adapter) invoke(args []reflect.Value) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Function panicked")
			err = fmt.Errorf("function panicked: %v", r)
		}
	}()

	out := a.fn.Call(args)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		return out[0].Interface(), asError(out[1])
	}
}

func (a *adapter) arguments(payload any) ([]any, error) {
	if len(a.cfg.FieldToParam) == 0 {
		return []any{payload}, nil
	}
	fields, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: want an object with fields %v, got %T", ErrBadRequest, a.cfg.FieldToParam, payload)
	}
	values := make([]any, len(a.cfg.FieldToParam))
	for i, key := range a.cfg.FieldToParam {
		values[i] = fields[key]
	}
	return values, nil
}

type outcome struct {
	result any
	err    error
}

func newDone(ch chan<- outcome) Done {
	var once sync.Once
	return func(result any, err error) {
		once.Do(func() {
			ch <- outcome{result: result, err: err}
		})
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// extractCorrelationID returns the request's correlation id unchanged, of
// whatever type, or a fresh uuid when the request carries none.
func extractCorrelationID(payload any) any {
	if fields, ok := payload.(map[string]any); ok {
		if id, ok := fields[CorrelationKey]; ok && id != nil && id != "" {
			return id
		}
	}
	return uuid.NewString()
}
