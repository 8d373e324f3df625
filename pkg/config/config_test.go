package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/remote"
)

func TestNewManager_StartsWithDefaults(t *testing.T) {
	manager := NewManager()
	assert.NotNil(t, manager.Koanf())
	assert.Equal(t, ".", manager.Koanf().Delim())
	assert.Equal(t, DefaultConfig(), manager.Get())
}

func TestNewManager_InstancesAreIndependent(t *testing.T) {
	m1 := NewManager()
	m2 := NewManager()

	require.NoError(t, m1.Load(&DefaultSource{}, &FlagSource{Debug: true}))
	require.NoError(t, m2.Load(&DefaultSource{}))

	assert.Equal(t, "debug", m1.Get().Log.Level)
	assert.Equal(t, "info", m2.Get().Log.Level)
}

func TestManager_Load_Defaults(t *testing.T) {
	manager := NewManager()
	require.NoError(t, manager.Load(DefaultSources("", nil, false)...))

	cfg := manager.Get()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, remote.DefaultHandshakeTimeout, cfg.Bridge.HandshakeTimeout)
	assert.Equal(t, remote.DefaultKillGrace, cfg.Bridge.KillGrace)
	assert.Equal(t, event.DefaultAwaitTimeout, cfg.Awaiter.Timeout)
	assert.Empty(t, cfg.Components)
}

func TestManager_Load_OverridesWithFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--log.format=json", "--bridge.kill_grace=2s", "--awaiter.timeout=0"}))

	manager := NewManager()
	require.NoError(t, manager.Load(DefaultSources("", flags, false)...))

	cfg := manager.Get()
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Bridge.KillGrace)
	assert.Equal(t, event.NoTimeout, cfg.Awaiter.AwaitTimeout())
}

func TestManager_Load_DebugFlagSetsLogLevelToDebug(t *testing.T) {
	manager := NewManager()
	require.NoError(t, manager.Load(DefaultSources("", nil, true)...))
	assert.Equal(t, "debug", manager.Get().Log.Level)
}

func TestManager_Load_ComponentsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
bridge:
  handshake_timeout: 3s
components:
  - name: echo
    in_process: true
    observes: [echo.in]
    publishes: [echo.out]
    module:
      address: echo
  - name: squarer
    module:
      address: math
      member: square
    restart_on_change: true
    watch: [/tmp/squarer]
    plain_function:
      request_event: square.request
      response_event: square.response
      exception_event: square.exception
      callback_param_index: 1
      field_to_param: [x]
`), 0o644))

	manager := NewManager()
	require.NoError(t, manager.Load(DefaultSources(path, nil, false)...))

	cfg := manager.Get()
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Bridge.HandshakeTimeout)
	require.Len(t, cfg.Components, 2)

	echo := cfg.Components[0]
	assert.True(t, echo.InProcess)
	assert.Equal(t, []string{"echo.in"}, echo.Observes)
	assert.Equal(t, remote.Locator{Address: "echo"}, echo.Module)

	sq := cfg.Components[1]
	assert.Equal(t, "square", sq.Module.Member)
	assert.True(t, sq.RestartOnChange)
	require.NotNil(t, sq.PlainFunction)
	assert.Equal(t, event.Identifier("square.request"), sq.PlainFunction.RequestEvent)
	require.NotNil(t, sq.PlainFunction.CallbackParamIndex)
	assert.Equal(t, 1, *sq.PlainFunction.CallbackParamIndex)
	assert.Equal(t, []string{"x"}, sq.PlainFunction.FieldToParam)
}

func TestManager_Load_InvalidKeepsPrevious(t *testing.T) {
	manager := NewManager()
	require.NoError(t, manager.Load(&DefaultSource{}))

	bad := &mockConfigSource{name: "bad", priority: 50, loadFunc: func(k *koanf.Koanf) error {
		return k.Set("log.level", "chatty")
	}}
	err := manager.Load(&DefaultSource{}, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, errorCodeInvalidConfig, ErrorCode(err))
	assert.Equal(t, "info", manager.Get().Log.Level)
}

func TestManager_Load_SourceFailure(t *testing.T) {
	failing := &mockConfigSource{name: "broken", priority: 15, loadFunc: func(*koanf.Koanf) error {
		return errors.New("disk on fire")
	}}

	err := NewManager().Load(&DefaultSource{}, failing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
	assert.Equal(t, errorCodeLoadFailed, ErrorCode(err))
	assert.Contains(t, err.Error(), "broken")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Components = []ComponentConfig{{
			Name:      "relay",
			Observes:  []string{"A"},
			Publishes: []string{"C"},
			Module:    remote.Locator{Address: "relay"},
		}}
		return cfg
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad metrics addr", func(c *Config) { c.Metrics.Addr = "not an address" }},
		{"zero kill grace", func(c *Config) { c.Bridge.KillGrace = 0 }},
		{"missing name", func(c *Config) { c.Components[0].Name = "" }},
		{"missing module", func(c *Config) { c.Components[0].Module.Address = "" }},
		{"placeholder identifier", func(c *Config) { c.Components[0].Observes = []string{"Object"} }},
		{"duplicate name", func(c *Config) { c.Components = append(c.Components, c.Components[0]) }},
		{"in process restart", func(c *Config) {
			c.Components[0].InProcess = true
			c.Components[0].RestartOnChange = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := Validate(cfg)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Equal(t, errorCodeInvalidConfig, ErrorCode(err))
		})
	}
}

func TestValidate_MetricsAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Addr = "127.0.0.1:9090"
	assert.NoError(t, Validate(cfg))
}

func TestErrorCode(t *testing.T) {
	assert.Nil(t, WithErrorCode(nil, "X"))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))

	err := WithErrorCode(ErrInvalid, "X")
	assert.Equal(t, "X", ErrorCode(err))
	assert.ErrorIs(t, err, ErrInvalid)
}
