// Package tether exposes the supervisor for embedding in other programs.
// The tether binary in cmd/tether is built on the same API.
package tether

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/env"
	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/server"
	"github.com/loykin/tether/internal/service"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type WatchSpec = process.WatchSpec

type Status = process.Status

type State = process.State

type Config = config.Config

// Error values returned by Manager operations.
var (
	ErrUnknownProcess = manager.ErrUnknownProcess
	ErrShuttingDown   = manager.ErrShuttingDown
	ErrDuplicate      = manager.ErrDuplicate
	ErrBusy           = manager.ErrBusy
)

// LoadConfig reads and validates an ecosystem file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Run supervises every app in cfg, with the control API, metrics listener
// and history sinks it configures, until ctx is done.
func Run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	svc, err := service.New(cfg, service.Options{Logger: log})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

// NewManager returns a Manager launching children with the current
// process environment plus globalEnv (KEY=VALUE entries).
func NewManager(log *slog.Logger, globalEnv ...string) *Manager {
	return &Manager{inner: manager.New(manager.Options{
		Launcher: process.ExecLauncher{Env: env.New().FromOS().WithPairs(globalEnv)},
		Logger:   log,
	})}
}

// Add registers spec. Its instances stay stopped until Start or StartAll.
func (m *Manager) Add(s Spec) error                               { return m.inner.Add(s) }
func (m *Manager) Start(ctx context.Context, name string) error   { return m.inner.Start(ctx, name) }
func (m *Manager) Stop(ctx context.Context, name string) error    { return m.inner.Stop(ctx, name) }
func (m *Manager) Restart(ctx context.Context, name string) error { return m.inner.Restart(ctx, name) }
func (m *Manager) StartAll(ctx context.Context) error             { return m.inner.StartAll(ctx) }
func (m *Manager) Status(name string) ([]Status, error)           { return m.inner.Status(name) }
func (m *Manager) StatusAll() []Status                            { return m.inner.StatusAll() }
func (m *Manager) Names() []string                                { return m.inner.Names() }

// Shutdown stops every instance gracefully and waits for their loops.
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

// NewHTTPRouter returns the control API for m mounted under basePath,
// ready to be served by any http.Server or mux.
func NewHTTPRouter(m *Manager, basePath string) http.Handler {
	return server.NewRouter(m.inner, basePath).Handler()
}

// RegisterMetrics registers the process collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
