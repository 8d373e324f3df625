package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/logging"
)

// workerDisconnectTimeout bounds the component teardown after kill.
const workerDisconnectTimeout = 5 * time.Second

// IsWorkerProcess reports whether this process was started by a bridge.
// Executables that host workers check it first thing in main (tests in
// TestMain) and hand over to RunWorker.
func IsWorkerProcess() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// RunWorker serves the worker protocol and exits the process.
func RunWorker(reg *Registry) {
	os.Exit(ServeWorker(context.Background(), reg))
}

// ServeWorker runs the worker side of a bridge and returns the exit code.
func ServeWorker(ctx context.Context, reg *Registry) int {
	spec, err := decodeWorkerSpec(os.Getenv(WorkerDataEnv))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitProtocol
	}

	logger := logging.NewLogger("remote.worker", logging.ParseLevel(spec.LogLevel)).With().
		Str("bridge", spec.Name).
		Int("pid", os.Getpid()).
		Logger()

	w := &worker{spec: spec, registry: reg, logger: logger}
	return w.serve(ctx)
}

type worker struct {
	spec     WorkerSpec
	registry *Registry
	logger   zerolog.Logger

	ch          *Channel
	bus         *event.Bus
	composition *component.Composition
}

func (w *worker) serve(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := w.handshake()
	if err != nil {
		w.logger.Error().Err(err).Msg("Handshake failed")
		return ExitProtocol
	}
	w.ch = NewChannel(conn)
	defer w.ch.Close()

	comp, err := w.registry.Resolve(w.spec.Locator, w.spec.PlainFunction, w.logger)
	if err != nil {
		w.logger.Error().Err(err).Str("locator", w.spec.Locator.String()).Msg("Failed to load module")
		if errors.Is(err, ErrImport) {
			return ExitImport
		}
		return ExitSetup
	}

	w.bus = event.New(event.WithLogger(w.logger))
	if err := w.relayPublications(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to install publication relays")
		return ExitSetup
	}

	w.composition = component.ComposeWith([]component.Component{comp},
		component.WithBus(w.bus),
		component.WithLogger(w.logger),
	)
	if _, err := w.composition.Connect(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Component setup failed")
		return ExitSetup
	}

	if w.spec.RestartOnChange {
		if err := w.watch(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("Restart on change disabled")
		}
	}

	if err := w.ch.Send(Message{Kind: KindReady}); err != nil {
		w.logger.Error().Err(err).Msg("Failed to send ready")
		return ExitProtocol
	}
	w.logger.Debug().Msg("Worker ready")

	return w.relayObservations(ctx)
}

// handshake announces the worker on the control socket and trades it for
// the private channel endpoint.
func (w *worker) handshake() (*net.UnixConn, error) {
	control, err := fileConn(os.NewFile(controlFD, "busbridge.control"))
	if err != nil {
		return nil, err
	}
	defer control.Close()

	online, err := json.Marshal(Message{Kind: KindOnline, Version: ProtocolVersion})
	if err != nil {
		return nil, err
	}
	if _, err := control.Write(append(online, '\n')); err != nil {
		return nil, fmt.Errorf("send online: %w", err)
	}

	_, port, err := recvPort(control)
	if err != nil {
		return nil, err
	}
	return fileConn(port)
}

func (w *worker) relayPublications() error {
	publishes := component.Merge(w.spec.Publishes, []event.Identifier{RestartIdentifier})
	for _, id := range publishes {
		id := id
		_, err := w.bus.Observe(id, event.Tap(func(_ context.Context, payload any) error {
			raw, err := EncodePayload(payload)
			if err != nil {
				return err
			}
			return w.ch.Send(Message{Kind: KindPublication, Identifier: id, Payload: raw})
		}))
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) relayObservations(ctx context.Context) int {
	for {
		msg, err := w.ch.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn().Err(err).Msg("Channel read failed")
			} else {
				w.logger.Debug().Msg("Bridge closed the channel")
			}
			w.disconnect(ctx)
			return ExitOK
		}

		switch msg.Kind {
		case KindObservation:
			payload, err := DecodePayload(msg.Payload)
			if err != nil {
				w.logger.Warn().Err(err).Str("identifier", string(msg.Identifier)).Msg("Dropping observation")
				continue
			}
			if _, err := w.bus.Publish(ctx, msg.Identifier, payload); err != nil {
				w.logger.Warn().Err(err).Str("identifier", string(msg.Identifier)).Msg("Observation failed")
			}
		case KindKill:
			w.logger.Debug().Msg("Kill requested")
			w.disconnect(ctx)
			return ExitOK
		default:
			w.logger.Warn().Str("kind", string(msg.Kind)).Msg("Ignoring unexpected message")
		}
	}
}

func (w *worker) disconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workerDisconnectTimeout)
	defer cancel()
	if err := w.composition.Disconnect(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Component disconnect failed")
	}
}

func (w *worker) watch(ctx context.Context) error {
	paths := w.spec.Watch
	if len(paths) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		paths = []string{exe}
	}

	watcher, err := NewWatcher(paths, func(changed []string) {
		w.logger.Info().Strs("paths", changed).Msg("Watched files changed, requesting restart")
		if _, err := w.bus.Publish(ctx, RestartIdentifier, map[string]any{"paths": changed}); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to request restart")
		}
	}, w.logger)
	if err != nil {
		return err
	}
	go func() {
		if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn().Err(err).Msg("Watcher stopped")
		}
	}()
	return nil
}
