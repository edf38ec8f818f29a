// Package service wires a loaded configuration into a running supervisor:
// the process manager, the history dispatcher and the HTTP listeners.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/monitor"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/server"
)

// DefaultTreeTimeout bounds how long the tree waits for a support service
// to stop.
const DefaultTreeTimeout = 10 * time.Second

type Options struct {
	Logger *slog.Logger
	// Launcher and Sampler override the OS defaults, for tests.
	Launcher process.Launcher
	Sampler  monitor.Sampler
	// Registerer receives the metrics collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Service is one supervisor instance built from a Config. Children live in
// the Manager; the suture tree only runs the support services around it.
type Service struct {
	cfg  *config.Config
	log  *slog.Logger
	mgr  *manager.Manager
	hist *history.Dispatcher
	api  *server.HTTPServer
	mtx  *server.HTTPServer
	root *suture.Supervisor
}

func New(cfg *config.Config, opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{cfg: cfg, log: log}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var recorder manager.Recorder
	if len(cfg.History.Sinks) > 0 {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, err
		}
		s.hist = history.NewDispatcher(log.With("component", "history"), sinks...)
		s.hist.OnError(func(sink string, _ error) { metrics.IncHistoryError(sink) })
		recorder = s.hist
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.ExecLauncher{Env: cfg.Environment()}
	}
	s.mgr = manager.New(manager.Options{
		Launcher: launcher,
		Sampler:  opts.Sampler,
		Recorder: recorder,
		Logger:   log,
	})
	for _, spec := range cfg.Apps {
		if err := s.mgr.Add(spec); err != nil {
			s.closeHistory()
			return nil, err
		}
	}

	s.root = suture.New("tether", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: log}).MustHook(),
		Timeout:   DefaultTreeTimeout,
	})
	if s.hist != nil {
		s.root.Add(s.hist)
	}
	if cfg.Server.Listen != "" {
		s.api = server.NewAPIServer(cfg.Server.Listen, cfg.Server.BasePath, s.mgr, log)
		s.root.Add(s.api)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		h := metrics.Handler()
		if opts.Gatherer != nil {
			h = metrics.HandlerFor(opts.Gatherer)
		}
		s.mtx = server.NewMetricsServer(cfg.Metrics.Listen, h, s.health, log)
		s.root.Add(s.mtx)
	}
	return s, nil
}

func (s *Service) Manager() *manager.Manager { return s.mgr }

// APIServer is nil when the control API is disabled.
func (s *Service) APIServer() *server.HTTPServer { return s.api }

// MetricsServer is nil when the metrics listener is disabled.
func (s *Service) MetricsServer() *server.HTTPServer { return s.mtx }

// Run starts every app and blocks until ctx is done. Children are stopped
// gracefully before the support services, so their exit events still reach
// the history sinks.
func (s *Service) Run(ctx context.Context) error {
	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	treeErr := s.root.ServeBackground(treeCtx)

	s.log.Info("starting apps", "count", len(s.cfg.Apps), "config", s.cfg.Path)
	if err := s.mgr.StartAll(ctx); err != nil {
		// Spawn failures are retried by the restart policy.
		s.log.Warn("some apps failed to start", "error", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-treeErr:
		runErr = fmt.Errorf("supervision tree stopped: %w", err)
		treeErr = nil
	}

	s.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), s.shutdownBudget())
	if err := s.mgr.Shutdown(sctx); err != nil {
		s.log.Warn("shutdown incomplete", "error", err)
	}
	cancel()

	stopTree()
	if treeErr != nil {
		if err := <-treeErr; err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("supervision tree", "error", err)
		}
	}
	s.closeHistory()
	if s.hist != nil && s.hist.Dropped() > 0 {
		s.log.Warn("history events dropped", "count", s.hist.Dropped())
	}
	return runErr
}

func (s *Service) shutdownBudget() time.Duration {
	longest := process.DefaultKillTimeout
	for _, a := range s.cfg.Apps {
		longest = max(longest, a.KillTimeout)
	}
	return longest + 2*time.Second
}

func (s *Service) health() (bool, map[string]any) {
	sts := s.mgr.StatusAll()
	running := 0
	for _, st := range sts {
		if st.State == process.StateRunning {
			running++
		}
	}
	return true, map[string]any{"instances": len(sts), "running": running}
}

func (s *Service) closeHistory() {
	if s.hist == nil {
		return
	}
	if err := s.hist.Close(); err != nil {
		s.log.Warn("closing history sinks", "error", err)
	}
}
