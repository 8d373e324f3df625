package remote

import (
	"errors"
	"fmt"
	"time"
)

// Worker exit codes.
const (
	ExitOK       = 0
	ExitProtocol = 2
	ExitImport   = 3
	ExitSetup    = 4
)

var (
	// ErrBridgeClosed is returned for sends after the bridge was disconnected
	// or its worker died.
	ErrBridgeClosed = errors.New("bridge is closed")

	// ErrChannelClosed is returned by Channel.Send after Close.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrUnserializable marks a payload that cannot cross the process boundary.
	ErrUnserializable = errors.New("payload is not serializable")

	// ErrImport means the worker could not resolve its module.
	ErrImport = errors.New("module not found")

	// ErrProtocol covers malformed or unexpected channel messages.
	ErrProtocol = errors.New("protocol violation")

	// ErrHandshakeTimeout is wrapped when the worker never became ready in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// HandshakeError is returned from Setup when a worker never reached ready.
type HandshakeError struct {
	Bridge string
	// Stage is the state the bridge was in when the handshake failed.
	Stage State
	// ExitCode is the worker exit status, -1 when it was killed or still running.
	ExitCode int
	// Stderr holds the last lines the worker wrote to stderr.
	Stderr string
	Err    error
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("bridge %q: handshake failed while %s: %v", e.Bridge, e.Stage, e.Err)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (worker exit code %d)", e.ExitCode)
	}
	return msg
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// KillTimeoutError reports a worker that did not acknowledge kill within the
// grace period and had to be terminated.
type KillTimeoutError struct {
	Bridge string
	PID    int
	Grace  time.Duration
}

func (e *KillTimeoutError) Error() string {
	return fmt.Sprintf("bridge %q: worker %d did not acknowledge kill within %s", e.Bridge, e.PID, e.Grace)
}

func exitError(code int) error {
	switch code {
	case ExitImport:
		return ErrImport
	case ExitProtocol:
		return ErrProtocol
	case ExitSetup:
		return errors.New("component setup failed")
	default:
		return fmt.Errorf("worker exited with code %d", code)
	}
}
