// Package modules registers the components that ship with busbridge. Both
// the CLI and its worker processes resolve locators from Registry, so a
// locator named in configuration means the same thing on either side of a
// bridge.
package modules

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/plainfunc"
	"github.com/vulntor/busbridge/pkg/remote"
)

// ErrDivisionByZero is returned by the math#divide function.
var ErrDivisionByZero = errors.New("division by zero")

// Registry returns a registry holding every built-in module.
func Registry() *remote.Registry {
	reg := remote.NewRegistry()
	if err := Register(reg); err != nil {
		// registration only fails on duplicates, which is a programming error
		panic(err)
	}
	return reg
}

// Register adds the built-in modules to reg.
//
//	echo             observes echo.request, publishes echo.reply
//	echo#delayed     same, after echo.delay_ms milliseconds
//	math#square      plain function x -> x*x
//	math#divide      plain function (a, b, done) with a completion callback
//	text#upper       plain function s -> upper(s)
func Register(reg *remote.Registry) error {
	return errors.Join(
		reg.Register(remote.Locator{Address: "echo"}, func() (component.Component, error) {
			return Echo(0), nil
		}),
		reg.Register(remote.Locator{Address: "echo", Member: "delayed"}, func() (component.Component, error) {
			return Echo(250 * time.Millisecond), nil
		}),
		reg.RegisterFunc(remote.Locator{Address: "math", Member: "square"}, Square),
		reg.RegisterFunc(remote.Locator{Address: "math", Member: "divide"}, Divide),
		reg.RegisterFunc(remote.Locator{Address: "text", Member: "upper"}, strings.ToUpper),
	)
}

// Echo republishes every echo.request payload as echo.reply after delay.
func Echo(delay time.Duration) component.Component {
	return component.New(component.Descriptor{
		Name:      "echo",
		Observes:  []event.Identifier{"echo.request"},
		Publishes: []event.Identifier{"echo.reply"},
	}, func(_ context.Context, bus event.EventBus) error {
		_, err := bus.Observe("echo.request", event.Tap(func(ctx context.Context, payload any) error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			_, err := bus.Publish(ctx, "echo.reply", payload)
			return err
		}))
		return err
	})
}

// Square returns x*x.
func Square(x float64) float64 {
	return x * x
}

// Divide reports a/b through done.
func Divide(a, b float64, done plainfunc.Done) {
	if b == 0 {
		done(nil, ErrDivisionByZero)
		return
	}
	done(a/b, nil)
}
