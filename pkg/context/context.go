package context

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type contextKey int

const (
	loggerKey contextKey = iota
	registryKey
)

var (
	defaultLogger = log.NewLogfmtLogger(os.Stderr)
)

func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return defaultLogger
}

func WithRegistry(ctx context.Context, registry prometheus.Registerer) context.Context {
	return context.WithValue(ctx, registryKey, registry)
}

// Registry returns the registerer carried by ctx. Without one, metrics are
// registered nowhere.
func Registry(ctx context.Context) prometheus.Registerer {
	if registry, ok := ctx.Value(registryKey).(prometheus.Registerer); ok {
		return registry
	}
	return prometheus.NewRegistry()
}

// WrapSession labels the logger and the registry of ctx with the serial of
// the device a session debugs.
func WrapSession(ctx context.Context, serial string) context.Context {
	if serial == "" {
		return ctx
	}
	reg := Registry(ctx)
	ctx = WithRegistry(ctx, prometheus.WrapRegistererWith(
		prometheus.Labels{"device": serial},
		reg,
	))

	logger := Logger(ctx)
	return WithLogger(ctx, log.With(logger, "device", serial))
}
