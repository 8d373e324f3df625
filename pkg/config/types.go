// pkg/config/types.go
package config

import (
	"time"

	"github.com/vulntor/busbridge/pkg/plainfunc"
	"github.com/vulntor/busbridge/pkg/remote"
)

// Config is the root configuration structure for busbridge.
type Config struct {
	Log        LogConfig         `description:"Logging configuration" koanf:"log" yaml:"log"`
	Metrics    MetricsConfig     `description:"Metrics endpoint" koanf:"metrics" yaml:"metrics"`
	Bridge     BridgeConfig      `description:"Worker bridge defaults" koanf:"bridge" yaml:"bridge"`
	Awaiter    AwaiterConfig     `description:"Event awaiter defaults" koanf:"awaiter" yaml:"awaiter"`
	Components []ComponentConfig `description:"Components to connect" koanf:"components" yaml:"components" validate:"dive"`
}

// LogConfig holds logging related configuration.
type LogConfig struct {
	Level  string `description:"Log level: debug | info | warn | error" koanf:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `description:"Log format: json | text" koanf:"format" yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig controls the prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `description:"Metrics listen address (host:port)" koanf:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// BridgeConfig holds the defaults applied to every worker bridge.
type BridgeConfig struct {
	HandshakeTimeout time.Duration `description:"Time a worker has to become ready" koanf:"handshake_timeout" yaml:"handshake_timeout" validate:"gt=0"`
	KillGrace        time.Duration `description:"Time a worker has to acknowledge kill" koanf:"kill_grace" yaml:"kill_grace" validate:"gt=0"`
}

// AwaiterConfig holds event awaiter defaults.
type AwaiterConfig struct {
	// Timeout of zero or less waits forever.
	Timeout time.Duration `description:"Default wait timeout, 0 for none" koanf:"timeout" yaml:"timeout"`
}

// ComponentConfig declares one component. Components with a module run in a
// worker process behind a bridge.
type ComponentConfig struct {
	Name      string   `koanf:"name" yaml:"name" validate:"required"`
	Observes  []string `koanf:"observes" yaml:"observes,omitempty" validate:"dive,required"`
	Publishes []string `koanf:"publishes" yaml:"publishes,omitempty" validate:"dive,required"`

	Module remote.Locator `koanf:"module" yaml:"module"`

	PlainFunction *plainfunc.Config `koanf:"plain_function" yaml:"plain_function,omitempty"`

	RestartOnChange bool     `koanf:"restart_on_change" yaml:"restart_on_change,omitempty"`
	Watch           []string `koanf:"watch" yaml:"watch,omitempty"`

	// InProcess connects the module directly instead of behind a bridge.
	InProcess bool `koanf:"in_process" yaml:"in_process,omitempty"`

	// Executable overrides the worker binary; defaults to the running one.
	Executable string `koanf:"executable" yaml:"executable,omitempty"`
}
