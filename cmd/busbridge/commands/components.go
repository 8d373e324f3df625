package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/component"
	"github.com/vulntor/busbridge/pkg/config"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/metrics"
	"github.com/vulntor/busbridge/pkg/remote"
)

const disconnectTimeout = 10 * time.Second

// buildComponents turns configured components into bus components. Entries
// marked in_process are resolved from reg directly, the rest get a bridge.
func buildComponents(cfg config.Config, reg *remote.Registry, logger zerolog.Logger, m *metrics.Metrics) ([]component.Component, error) {
	comps := make([]component.Component, 0, len(cfg.Components))
	for _, cc := range cfg.Components {
		if cc.InProcess {
			comp, err := reg.Resolve(cc.Module, cc.PlainFunction, logger)
			if err != nil {
				return nil, fmt.Errorf("component %q: %w", cc.Name, err)
			}
			comps = append(comps, comp)
			continue
		}

		b, err := remote.NewBridge(remote.Config{
			Name:             cc.Name,
			Observes:         identifiers(cc.Observes),
			Publishes:        identifiers(cc.Publishes),
			Locator:          cc.Module,
			PlainFunction:    cc.PlainFunction,
			RestartOnChange:  cc.RestartOnChange,
			Watch:            cc.Watch,
			Executable:       cc.Executable,
			LogLevel:         cfg.Log.Level,
			HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
			KillGrace:        cfg.Bridge.KillGrace,
		}, remote.WithLogger(logger), remote.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", cc.Name, err)
		}
		comps = append(comps, b)
	}
	return comps, nil
}

func identifiers(names []string) []event.Identifier {
	ids := make([]event.Identifier, 0, len(names))
	for _, n := range names {
		ids = append(ids, event.Identifier(n))
	}
	return ids
}

// session is a connected set of components plus the optional metrics server.
type session struct {
	bus         *event.Bus
	composition *component.Composition
	components  []component.Component
	server      *http.Server
	logger      zerolog.Logger
}

func connect(ctx context.Context, cfg config.Config, reg *remote.Registry, logger zerolog.Logger, m *metrics.Metrics) (*session, error) {
	comps, err := buildComponents(cfg, reg, logger, m)
	if err != nil {
		return nil, err
	}

	s := &session{
		bus:        event.New(event.WithLogger(logger), event.WithMetrics(m)),
		components: comps,
		logger:     logger,
	}
	s.composition = component.ComposeWith(comps, component.WithBus(s.bus), component.WithLogger(logger))

	if _, err := s.composition.Connect(ctx); err != nil {
		s.close()
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		if err := s.serveMetrics(cfg.Metrics.Addr, m); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) serveMetrics(addr string, m *metrics.Metrics) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return nil
}

// published lists every identifier the connected components publish.
func (s *session) published() []event.Identifier {
	var ids []event.Identifier
	for _, c := range s.components {
		ids = component.Merge(ids, c.Descriptor().Publishes)
	}
	return ids
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if err := s.composition.Disconnect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Disconnect reported a failure")
	}
}
