// Package remote hosts a component in a separate worker process and relays
// its events to and from a parent bus.
//
// The parent side is a Bridge, which is itself a component.Component. The
// worker side is ServeWorker, reached by re-executing a binary that checks
// IsWorkerProcess at startup. After a short handshake over an inherited unix
// socket, the bridge hands the worker a private socket and all traffic flows
// over it as newline-delimited JSON messages.
package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/metrics"
	"github.com/vulntor/busbridge/pkg/plainfunc"
)

const (
	// DefaultHandshakeTimeout bounds spawn to ready.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultKillGrace is how long a worker gets to acknowledge kill.
	DefaultKillGrace = 500 * time.Millisecond
)

var validate = validator.New()

// Config describes the worker behind a bridge.
type Config struct {
	Name      string             `validate:"required"`
	Observes  []event.Identifier `validate:"dive,required"`
	Publishes []event.Identifier `validate:"dive,required"`

	Locator Locator

	// PlainFunction, when set, wraps the function registered under Locator
	// and adds its request, response and exception events to the descriptor.
	PlainFunction *plainfunc.Config

	// RestartOnChange makes the worker watch Watch (or its own executable)
	// and request a restart when a file changes.
	RestartOnChange bool
	Watch           []string

	// Executable defaults to the running binary. Args and Env are appended
	// to the worker command line and environment.
	Executable string
	Args       []string
	Env        []string

	// Stderr receives worker stderr. Defaults to os.Stderr.
	Stderr io.Writer
	// LogLevel is passed to the worker logger.
	LogLevel string

	HandshakeTimeout time.Duration
	KillGrace        time.Duration
}

// Validate checks required fields and identifiers.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	for _, id := range append(append([]event.Identifier{}, c.Observes...), c.Publishes...) {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	if c.PlainFunction != nil {
		if err := c.PlainFunction.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics records bridge traffic and state in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// session is one worker process and its private channel.
type session struct {
	cmd    *exec.Cmd
	ch     *Channel
	stderr *tailBuffer

	// exited is closed once the process has been reaped.
	exited   chan struct{}
	exitCode int

	// done is closed when the relay loop stops reading.
	done chan struct{}

	// early holds publications that arrived before ready.
	early []Message
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *session) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// terminate kills the process and waits for it to be reaped.
func (s *session) terminate() {
	if s.alive() && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.exited
}

// Bridge is a component whose logic runs in a worker process.
type Bridge struct {
	cfg        Config
	descriptor component.Descriptor
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	bus event.EventBus

	// ctx lives from Setup until Disconnect.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	current   *session
	outbox    []Message
	observers []*event.Observer

	// inflight tracks Setup and restart goroutines that may still spawn a worker.
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

var _ component.Component = (*Bridge)(nil)

// NewBridge validates cfg and returns an idle bridge. The worker is spawned
// by Setup.
func NewBridge(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	desc := component.Descriptor{Name: cfg.Name, Observes: cfg.Observes, Publishes: cfg.Publishes}
	if cfg.PlainFunction != nil {
		pf := cfg.PlainFunction.Descriptor(cfg.Name)
		desc.Observes = component.Merge(desc.Observes, pf.Observes)
		desc.Publishes = component.Merge(desc.Publishes, pf.Publishes)
	}

	b := &Bridge{
		cfg:        cfg,
		descriptor: desc,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "remote.bridge").Str("bridge", cfg.Name).Logger()
	return b, nil
}

// Descriptor returns the identifiers relayed across the boundary.
func (b *Bridge) Descriptor() component.Descriptor {
	return b.descriptor
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Alive reports whether a worker process is currently running.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	s := b.current
	b.mu.Unlock()
	return s != nil && s.alive()
}

// PID returns the worker process id, or 0 without a worker.
func (b *Bridge) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0
	}
	return b.current.pid()
}

// Setup subscribes the observed identifiers on bus and starts the worker. It
// returns a *HandshakeError when the worker does not become ready.
func (b *Bridge) Setup(ctx context.Context, bus event.EventBus) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return fmt.Errorf("bridge %q: already set up", b.cfg.Name)
	}
	b.bus = bus
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.setState(StateSpawning)
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	// The handshake ends early when either the caller or Disconnect cancels.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	// Parent side subscriptions are made once and survive restarts.
	for _, id := range b.descriptor.Observes {
		o, err := bus.Observe(id, b.forward(id))
		if err != nil {
			b.abortSetup()
			return err
		}
		b.mu.Lock()
		b.observers = append(b.observers, o)
		b.mu.Unlock()
	}

	s, err := b.spawn(hctx)
	if err != nil {
		b.abortSetup()
		return err
	}
	if !b.attach(s) {
		b.unsubscribe()
		return fmt.Errorf("bridge %q: disconnected during setup: %w", b.cfg.Name, ErrBridgeClosed)
	}
	return nil
}

func (b *Bridge) abortSetup() {
	b.unsubscribe()
	b.cancel()
	b.mu.Lock()
	b.setState(StateTerminated)
	b.outbox = nil
	b.mu.Unlock()
}

// Disconnect kills the worker, waiting at most the kill grace for it to shut
// down cleanly. It always returns once the process is gone.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.state == StateIdle || b.state == StateTerminated {
			b.setState(StateTerminated)
			b.mu.Unlock()
			if b.cancel != nil {
				b.cancel()
			}
			return
		}
		s := b.current
		b.setState(StateKilling)
		b.mu.Unlock()

		b.unsubscribe()
		if s != nil {
			b.kill(s)
		}
		b.cancel()
		// A handshake in flight sees the cancel, reaps its worker and returns.
		b.inflight.Wait()
		b.unsubscribe()

		b.mu.Lock()
		b.current = nil
		b.outbox = nil
		b.setState(StateTerminated)
		b.mu.Unlock()
		b.metrics.BridgeQueued(b.cfg.Name, 0)
	})
	return nil
}

// Kill is Disconnect without a context.
func (b *Bridge) Kill() {
	_ = b.Disconnect(context.Background())
}

func (b *Bridge) unsubscribe() {
	b.mu.Lock()
	observers := b.observers
	b.observers = nil
	b.mu.Unlock()

	for _, o := range observers {
		b.bus.RemoveObserver(o)
	}
}

// forward relays a parent publication to the worker.
func (b *Bridge) forward(id event.Identifier) event.Callback {
	return event.Tap(func(_ context.Context, payload any) error {
		raw, err := EncodePayload(payload)
		if err != nil {
			return err
		}
		return b.send(Message{Kind: KindObservation, Identifier: id, Payload: raw})
	})
}

// send writes to the live session, or queues until the next one is ready.
func (b *Bridge) send(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.accepting() {
		return ErrBridgeClosed
	}
	if b.state == StateRelaying && b.current != nil {
		if err := b.current.ch.Send(msg); err != nil {
			return fmt.Errorf("bridge %q: %w", b.cfg.Name, err)
		}
		b.metrics.BridgeMessage(b.cfg.Name, "out", string(msg.Kind))
		b.metrics.BridgeQueued(b.cfg.Name, b.current.ch.Pending())
		return nil
	}
	b.outbox = append(b.outbox, msg)
	b.metrics.BridgeQueued(b.cfg.Name, len(b.outbox))
	return nil
}

// setState must be called with b.mu held. Once killing has begun, only the
// move to Terminated is taken.
func (b *Bridge) setState(next State) {
	if b.state == next {
		return
	}
	if !b.state.canMove(next) {
		b.logger.Debug().Stringer("state", b.state).Stringer("ignored", next).Msg("Bridge state transition refused")
		return
	}
	b.logger.Debug().Stringer("from", b.state).Stringer("to", next).Msg("Bridge state transition")
	b.state = next
	b.metrics.BridgeState(b.cfg.Name, int(next))
}

func (b *Bridge) transition(next State) {
	b.mu.Lock()
	b.setState(next)
	b.mu.Unlock()
}

// spawn starts a worker and runs the handshake up to ready.
func (b *Bridge) spawn(ctx context.Context) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &HandshakeError{Bridge: b.cfg.Name, Stage: StateSpawning, ExitCode: -1, Err: err}
	}
	b.transition(StateSpawning)

	data, err := WorkerSpec{
		Name:            b.cfg.Name,
		Observes:        b.descriptor.Observes,
		Publishes:       b.descriptor.Publishes,
		Locator:         b.cfg.Locator.normalize(),
		PlainFunction:   b.cfg.PlainFunction,
		RestartOnChange: b.cfg.RestartOnChange,
		Watch:           b.cfg.Watch,
		LogLevel:        b.cfg.LogLevel,
	}.encode()
	if err != nil {
		return nil, &HandshakeError{Bridge: b.cfg.Name, Stage: StateSpawning, ExitCode: -1, Err: err}
	}

	exe := b.cfg.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return nil, &HandshakeError{Bridge: b.cfg.Name, Stage: StateSpawning, ExitCode: -1, Err: err}
		}
	}

	parentEnd, childEnd, err := socketPair("busbridge.control")
	if err != nil {
		return nil, &HandshakeError{Bridge: b.cfg.Name, Stage: StateSpawning, ExitCode: -1, Err: err}
	}

	s := &session{
		stderr:   newTailBuffer(stderrTailSize),
		exited:   make(chan struct{}),
		exitCode: -1,
		done:     make(chan struct{}),
	}
	s.cmd = exec.Command(exe, b.cfg.Args...)
	s.cmd.Env = append(os.Environ(), b.cfg.Env...)
	s.cmd.Env = append(s.cmd.Env, WorkerEnv+"=1", WorkerDataEnv+"="+data)
	s.cmd.ExtraFiles = []*os.File{childEnd}
	s.cmd.Stdout = b.cfg.Stderr
	s.cmd.Stderr = io.MultiWriter(s.stderr, b.cfg.Stderr)

	err = s.cmd.Start()
	_ = childEnd.Close()
	if err != nil {
		_ = parentEnd.Close()
		return nil, &HandshakeError{Bridge: b.cfg.Name, Stage: StateSpawning, ExitCode: -1, Err: err}
	}
	go func() {
		_ = s.cmd.Wait()
		s.exitCode = s.cmd.ProcessState.ExitCode()
		close(s.exited)
	}()
	b.logger.Debug().Int("pid", s.pid()).Str("executable", exe).Msg("Worker started")

	control, err := fileConn(parentEnd)
	if err != nil {
		return nil, b.handshakeFailed(s, StateSpawning, err)
	}
	defer control.Close()

	deadline := time.Now().Add(b.cfg.HandshakeTimeout)
	_ = control.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = control.SetReadDeadline(time.Now()) })
	defer stop()

	b.transition(StateAwaitingOnline)
	if err := b.awaitOnline(control); err != nil {
		return nil, b.handshakeFailed(s, StateAwaitingOnline, b.handshakeCause(ctx, err))
	}

	b.transition(StateEstablishingChannel)
	ch, err := b.establish(control)
	if err != nil {
		return nil, b.handshakeFailed(s, StateEstablishingChannel, err)
	}
	s.ch = ch

	_ = ch.SetReadDeadline(deadline)
	stopCh := context.AfterFunc(ctx, func() { _ = ch.SetReadDeadline(time.Now()) })
	defer stopCh()
	if err := b.awaitReady(s); err != nil {
		return nil, b.handshakeFailed(s, StateEstablishingChannel, b.handshakeCause(ctx, err))
	}
	if !stopCh() {
		return nil, b.handshakeFailed(s, StateEstablishingChannel, context.Cause(ctx))
	}
	_ = ch.SetReadDeadline(time.Time{})
	return s, nil
}

func (b *Bridge) awaitOnline(control *net.UnixConn) error {
	line, err := bufio.NewReader(control).ReadBytes('\n')
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("%w: decode online: %v", ErrProtocol, err)
	}
	if msg.Kind != KindOnline {
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, KindOnline, msg.Kind)
	}
	return checkVersion(msg.Version)
}

func checkVersion(v string) error {
	constraint, err := semver.NewConstraint(protocolConstraint)
	if err != nil {
		return err
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: worker protocol version %q: %v", ErrProtocol, v, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: worker protocol version %s does not satisfy %s", ErrProtocol, version, protocolConstraint)
	}
	return nil
}

// establish creates the private channel and passes one end to the worker.
func (b *Bridge) establish(control *net.UnixConn) (*Channel, error) {
	ours, theirs, err := socketPair("busbridge.port")
	if err != nil {
		return nil, err
	}
	err = sendPort(control, Message{Kind: KindPort, Version: ProtocolVersion}, theirs)
	_ = theirs.Close()
	if err != nil {
		_ = ours.Close()
		return nil, err
	}
	conn, err := fileConn(ours)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

func (b *Bridge) awaitReady(s *session) error {
	for {
		msg, err := s.ch.Receive()
		if err != nil {
			return err
		}
		b.metrics.BridgeMessage(b.cfg.Name, "in", string(msg.Kind))
		switch msg.Kind {
		case KindReady:
			return nil
		case KindPublication:
			s.early = append(s.early, msg)
		default:
			return fmt.Errorf("%w: unexpected %q before ready", ErrProtocol, msg.Kind)
		}
	}
}

func (b *Bridge) handshakeCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w after %s", ErrHandshakeTimeout, b.cfg.HandshakeTimeout)
	}
	return err
}

// handshakeFailed reaps the worker and builds the error. A worker that exits
// on its own within the grace keeps its exit code; otherwise it is killed.
func (b *Bridge) handshakeFailed(s *session, stage State, cause error) error {
	if s.ch != nil {
		_ = s.ch.Close()
	}

	select {
	case <-s.exited:
	case <-time.After(b.cfg.KillGrace):
	}
	s.terminate()

	herr := &HandshakeError{
		Bridge:   b.cfg.Name,
		Stage:    stage,
		ExitCode: s.exitCode,
		Stderr:   s.stderr.String(),
		Err:      cause,
	}
	if s.exitCode > 0 {
		herr.Err = fmt.Errorf("%w: %v", exitError(s.exitCode), cause)
	}
	b.logger.Error().Err(herr).Int("exit_code", s.exitCode).Msg("Worker handshake failed")
	return herr
}

// attach makes s the live session, flushes queued sends and starts relaying.
// It reports false, and kills s, when the bridge is already shutting down.
func (b *Bridge) attach(s *session) bool {
	b.mu.Lock()
	if !b.state.accepting() {
		b.mu.Unlock()
		close(s.done)
		b.kill(s)
		return false
	}
	b.current = s
	b.setState(StateReady)
	for _, msg := range b.outbox {
		if err := s.ch.Send(msg); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to flush queued message")
			break
		}
		b.metrics.BridgeMessage(b.cfg.Name, "out", string(msg.Kind))
	}
	b.outbox = nil
	b.setState(StateRelaying)
	b.mu.Unlock()
	b.metrics.BridgeQueued(b.cfg.Name, 0)

	b.logger.Info().Int("pid", s.pid()).Msg("Worker ready")
	go b.relay(s)
	return true
}

// relay republishes worker publications on the parent bus in arrival order.
func (b *Bridge) relay(s *session) {
	defer close(s.done)

	for _, msg := range s.early {
		b.dispatch(s, msg)
	}
	s.early = nil

	for {
		msg, err := s.ch.Receive()
		if err != nil {
			b.sessionEnded(s, err)
			return
		}
		b.metrics.BridgeMessage(b.cfg.Name, "in", string(msg.Kind))
		b.dispatch(s, msg)
	}
}

func (b *Bridge) dispatch(s *session, msg Message) {
	if msg.Kind != KindPublication {
		b.logger.Warn().Str("kind", string(msg.Kind)).Msg("Ignoring unexpected message from worker")
		return
	}
	if msg.Identifier == RestartIdentifier {
		b.requestRestart(s)
		return
	}

	payload, err := DecodePayload(msg.Payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("identifier", string(msg.Identifier)).Msg("Dropping publication")
		return
	}
	if _, err := b.bus.Publish(b.ctx, msg.Identifier, payload); err != nil {
		b.logger.Warn().Err(err).Str("identifier", string(msg.Identifier)).Msg("Relayed publication failed")
	}
}

// sessionEnded handles the channel closing. It is expected while killing or
// restarting; otherwise the worker died and the bridge terminates.
func (b *Bridge) sessionEnded(s *session, err error) {
	b.mu.Lock()
	unexpected := b.current == s && b.state == StateRelaying
	if unexpected {
		b.current = nil
		b.setState(StateTerminated)
	}
	b.mu.Unlock()

	if !unexpected {
		return
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("worker closed the channel")
	}
	b.logger.Error().Err(err).Int("pid", s.pid()).Msg("Worker exited unexpectedly")
	_ = s.ch.Close()
	s.terminate()
	b.unsubscribe()
}

func (b *Bridge) requestRestart(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != s || b.state != StateRelaying {
		return
	}
	b.current = nil
	b.setState(StateRestarting)
	b.inflight.Add(1)
	go b.restart(s)
}

// restart replaces the worker. Messages sent meanwhile wait in the outbox.
func (b *Bridge) restart(old *session) {
	defer b.inflight.Done()

	b.logger.Info().Int("pid", old.pid()).Msg("Restarting worker")
	b.metrics.BridgeRestart(b.cfg.Name)
	b.kill(old)

	s, err := b.spawn(b.ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Worker restart failed")
		b.mu.Lock()
		if b.state.accepting() {
			b.setState(StateTerminated)
			b.outbox = nil
		}
		b.mu.Unlock()
		return
	}
	b.attach(s)
}

// kill asks the worker to stop and escalates after the grace period. It
// returns once the process has been reaped.
func (b *Bridge) kill(s *session) {
	pid := s.pid()
	if err := s.ch.Send(Message{Kind: KindKill}); err == nil {
		b.metrics.BridgeMessage(b.cfg.Name, "out", string(KindKill))
	}

	grace := time.NewTimer(b.cfg.KillGrace)
	defer grace.Stop()

	acked := true
	select {
	case <-s.done:
	case <-s.exited:
	case <-grace.C:
		acked = false
	}
	_ = s.ch.Close()

	if acked {
		select {
		case <-s.exited:
		case <-grace.C:
		}
	}
	s.terminate()
	<-s.done

	if !acked {
		b.logger.Warn().Err(&KillTimeoutError{Bridge: b.cfg.Name, PID: pid, Grace: b.cfg.KillGrace}).Msg("Worker force-killed")
		return
	}
	b.logger.Debug().Int("pid", pid).Int("exit_code", s.exitCode).Msg("Worker stopped")
}
