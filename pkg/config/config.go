// pkg/config/config.go
package config

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/remote"
)

// EnvPrefix is the prefix of environment variables read by EnvSource.
const EnvPrefix = "BUSBRIDGE_"

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

// NewManager creates a Manager with its own koanf instance.
func NewManager() *Manager {
	return &Manager{
		koanfInstance: koanf.New("."),
		currentConfig: DefaultConfig(),
	}
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bridge: BridgeConfig{
			HandshakeTimeout: remote.DefaultHandshakeTimeout,
			KillGrace:        remote.DefaultKillGrace,
		},
		Awaiter: AwaiterConfig{
			Timeout: event.DefaultAwaitTimeout,
		},
	}
}

// DefaultConfigAsMap flattens DefaultConfig for koanf's confmap provider so
// that koanf knows every scalar key before flags are applied.
func DefaultConfigAsMap() map[string]interface{} {
	def := DefaultConfig()
	return map[string]interface{}{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"metrics.addr": def.Metrics.Addr,

		"bridge.handshake_timeout": def.Bridge.HandshakeTimeout,
		"bridge.kill_grace":        def.Bridge.KillGrace,

		"awaiter.timeout": def.Awaiter.Timeout,
	}
}

// Load merges sources in priority order, unmarshals and validates the
// result. On error the previous configuration is kept.
func (m *Manager) Load(sources ...ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]ConfigSource(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	k := koanf.New(".")
	for _, src := range sorted {
		if err := src.Load(k); err != nil {
			return WithErrorCode(fmt.Errorf("%w: source %s: %w", ErrLoad, src.Name(), err), errorCodeLoadFailed)
		}
	}

	var newCfg Config
	if err := k.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return WithErrorCode(fmt.Errorf("%w: unmarshal: %w", ErrLoad, err), errorCodeLoadFailed)
	}
	if err := Validate(newCfg); err != nil {
		return err
	}

	m.koanfInstance = k
	m.currentConfig = newCfg
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentConfig
}

// Koanf exposes the merged key space, mainly for debugging output.
func (m *Manager) Koanf() *koanf.Koanf {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance
}

// BindFlags defines command-line flags for the scalar settings. Flag names
// match koanf keys so FlagSource can map them directly.
func BindFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()

	flags.String("log.level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log.format", defaults.Log.Format, "Log format (text, json)")
	flags.String("metrics.addr", defaults.Metrics.Addr, "Serve prometheus metrics on this address")
	flags.Duration("bridge.handshake_timeout", defaults.Bridge.HandshakeTimeout, "Time a worker has to become ready")
	flags.Duration("bridge.kill_grace", defaults.Bridge.KillGrace, "Time a worker has to acknowledge kill")
	flags.Duration("awaiter.timeout", defaults.Awaiter.Timeout, "Default event wait timeout (0 waits forever)")
	flags.Bool("debug", false, "Enable debug logging")
}

// AwaitTimeout converts the configured timeout for event.WithTimeout.
func (c AwaiterConfig) AwaitTimeout() time.Duration {
	if c.Timeout <= 0 {
		return event.NoTimeout
	}
	return c.Timeout
}
