package remote

import (
	"encoding/json"
	"fmt"

	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/plainfunc"
)

// ProtocolVersion is announced by workers in their online message.
const ProtocolVersion = "1.0.0"

// protocolConstraint is the range of worker versions a bridge accepts.
const protocolConstraint = "^1.0"

// RestartIdentifier is the reserved publication a worker emits to ask its
// bridge for a fresh process. The bridge consumes it; it never reaches the
// parent bus.
const RestartIdentifier event.Identifier = "busbridge.worker.restart"

const (
	// WorkerEnv marks a process as a bridge worker.
	WorkerEnv = "BUSBRIDGE_WORKER"
	// WorkerDataEnv carries the JSON encoded WorkerSpec.
	WorkerDataEnv = "BUSBRIDGE_WORKER_DATA"

	// controlFD is the descriptor of the control socket in the worker.
	// ExtraFiles[0] always lands on 3.
	controlFD = 3
)

// Kind tags a channel message.
type Kind string

const (
	KindOnline      Kind = "online"
	KindPort        Kind = "port"
	KindReady       Kind = "ready"
	KindObservation Kind = "observation"
	KindPublication Kind = "publication"
	KindKill        Kind = "kill"
)

// Message is the envelope exchanged between a bridge and its worker. Each
// message is written as one JSON line.
type Message struct {
	Kind       Kind             `json:"kind"`
	Identifier event.Identifier `json:"identifier,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Version    string           `json:"version,omitempty"`
}

// EncodePayload serializes an event payload for the wire.
func EncodePayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnserializable, err)
	}
	return data, nil
}

// DecodePayload restores a payload written by EncodePayload. Objects decode
// to map[string]any, arrays to []any and numbers to float64.
func DecodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// WorkerSpec tells a worker process what to load and what to relay.
type WorkerSpec struct {
	Name            string             `json:"name"`
	Observes        []event.Identifier `json:"observes,omitempty"`
	Publishes       []event.Identifier `json:"publishes,omitempty"`
	Locator         Locator            `json:"locator"`
	PlainFunction   *plainfunc.Config  `json:"plainFunction,omitempty"`
	RestartOnChange bool               `json:"restartOnChange,omitempty"`
	Watch           []string           `json:"watch,omitempty"`
	LogLevel        string             `json:"logLevel,omitempty"`
}

func (s WorkerSpec) encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeWorkerSpec(data string) (WorkerSpec, error) {
	var spec WorkerSpec
	if data == "" {
		return spec, fmt.Errorf("%w: %s is not set", ErrProtocol, WorkerDataEnv)
	}
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return spec, fmt.Errorf("%w: decode worker spec: %v", ErrProtocol, err)
	}
	return spec, nil
}
