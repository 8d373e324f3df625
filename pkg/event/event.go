// pkg/event/event.go
// Package event provides the in-process publish/subscribe bus.
//
// Observers registered for an identifier are invoked strictly in registration
// order. Each observer receives the payload produced by the previous one and
// may replace it or leave it unchanged, so a publish is a sequential fold over
// the observer list rather than a fan-out.
package event

import (
	"context"
	"strings"
)

// Identifier names a kind of event.
type Identifier string

func (id Identifier) String() string { return string(id) }

// placeholderNames are generic type names that cannot identify an event.
var placeholderNames = map[string]struct{}{
	"object": {},
	"array":  {},
	"string": {},
	"number": {},
	"map":    {},
	"slice":  {},
	"any":    {},
}

// Validate reports whether id may be used with Observe or Publish.
func (id Identifier) Validate() error {
	name := strings.TrimSpace(string(id))
	if name == "" {
		return &ValidationError{Identifier: id, Reason: "identifier is empty"}
	}
	if _, ok := placeholderNames[strings.ToLower(name)]; ok {
		return &ValidationError{Identifier: id, Reason: "identifier is a generic placeholder name"}
	}
	return nil
}

// Result is what an observer hands to the next observer in the chain.
// The zero value keeps the current payload.
type Result struct {
	payload  any
	replaced bool
}

// Keep leaves the payload unchanged.
func Keep() Result { return Result{} }

// Replace substitutes payload for the current one.
func Replace(payload any) Result { return Result{payload: payload, replaced: true} }

// Apply returns the payload the next observer should receive.
func (r Result) Apply(current any) any {
	if r.replaced {
		return r.payload
	}
	return current
}

// Callback is invoked for every publish of the identifier it observes.
type Callback func(ctx context.Context, payload any) (Result, error)

// Tap adapts a side-effect-only function into a Callback that keeps the payload.
func Tap(fn func(ctx context.Context, payload any) error) Callback {
	return func(ctx context.Context, payload any) (Result, error) {
		return Keep(), fn(ctx, payload)
	}
}

// EventBus is the contract components and adapters program against.
type EventBus interface {
	Observe(id Identifier, cb Callback) (*Observer, error)
	Publish(ctx context.Context, id Identifier, payload any) (any, error)
	RemoveObserver(o *Observer)
}

// Observer is the handle returned by Observe. It is the reference that
// RemoveObserver looks for.
type Observer struct {
	id       Identifier
	callback Callback
}

// Identifier returns the identifier the observer was registered for.
func (o *Observer) Identifier() Identifier { return o.id }
