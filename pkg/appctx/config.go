// Package appctx carries per-invocation CLI state on a context.
package appctx

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vulntor/busbridge/pkg/config"
	"github.com/vulntor/busbridge/pkg/metrics"
)

type key string

const (
	configKey  key = "busbridge.config.manager"
	loggerKey  key = "busbridge.logger"
	metricsKey key = "busbridge.metrics"
)

// WithConfig stores the shared config manager on context.
func WithConfig(ctx context.Context, manager *config.Manager) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configKey, manager)
}

// Config retrieves the shared config manager from context.
func Config(ctx context.Context) (*config.Manager, bool) {
	if ctx == nil {
		return nil, false
	}
	mgr, ok := ctx.Value(configKey).(*config.Manager)
	return mgr, ok && mgr != nil
}

// WithLogger stores the command logger on context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the command logger, or a disabled one.
func Logger(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
			return logger
		}
	}
	return zerolog.Nop()
}

// WithMetrics stores the metrics registry on context.
func WithMetrics(ctx context.Context, m *metrics.Metrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, metricsKey, m)
}

// Metrics returns the metrics registry, or nil. A nil *metrics.Metrics is
// safe to record into.
func Metrics(ctx context.Context) *metrics.Metrics {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(metricsKey).(*metrics.Metrics)
	return m
}
