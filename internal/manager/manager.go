package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/monitor"
	"github.com/loykin/tether/internal/process"
)

var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrShuttingDown   = errors.New("manager is shutting down")
	ErrDuplicate      = errors.New("process already registered")

	// ErrBusy means ctx ended before the instance loop accepted the request,
	// so nothing was done.
	ErrBusy = errors.New("instance busy: request not accepted")
)

// Recorder receives lifecycle events; *history.Dispatcher implements it.
type Recorder interface {
	Record(e history.Event)
}

type Options struct {
	Launcher process.Launcher // defaults to process.ExecLauncher{}
	Sampler  monitor.Sampler  // defaults to monitor.ProcSampler{}
	Recorder Recorder         // optional
	Logger   *slog.Logger
	// After replaces the kill_timeout timer, for tests.
	After func(time.Duration) <-chan time.Time
}

// Manager is the registry of supervised instance slots. Each slot runs its
// own control loop; the Manager only routes operator commands to them.
type Manager struct {
	deps deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	slots   map[string]*instance
	apps    map[string][]string // app name -> instance names, in order
	order   []string            // app registration order
	closing bool
}

func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = process.ExecLauncher{}
	}
	if opts.Sampler == nil {
		opts.Sampler = monitor.ProcSampler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:    log.With("component", "manager"),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[string]*instance),
		apps:   make(map[string][]string),
	}
	m.deps = deps{
		launcher: opts.Launcher,
		sampler:  opts.Sampler,
		recorder: opts.Recorder,
		log:      log,
		after:    opts.After,
		onState:  m.updateRunning,
	}
	return m
}

// Add registers spec and one slot per instance. Slots start idle; call Start
// to spawn them.
func (m *Manager) Add(spec process.Spec) error {
	spec = spec.WithDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}
	if _, ok := m.apps[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, spec.Name)
	}
	n := spec.InstanceCount()
	names := make([]string, 0, n)
	insts := make([]*instance, 0, n)
	for i := 1; i <= n; i++ {
		inst := spec.ForInstance(i)
		if _, ok := m.slots[inst.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, inst.Name)
		}
		names = append(names, inst.Name)
		insts = append(insts, newInstance(inst, m.deps))
	}
	for _, in := range insts {
		m.slots[in.spec.Name] = in
		m.wg.Add(1)
		go func(in *instance) {
			defer m.wg.Done()
			in.loop(m.ctx)
		}(in)
	}
	m.apps[spec.Name] = names
	m.order = append(m.order, spec.Name)
	return nil
}

// resolve maps an app or instance name to its slots.
func (m *Manager) resolve(name string) ([]*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closing {
		return nil, ErrShuttingDown
	}
	if names, ok := m.apps[name]; ok {
		out := make([]*instance, 0, len(names))
		for _, n := range names {
			out = append(out, m.slots[n])
		}
		return out, nil
	}
	if in, ok := m.slots[name]; ok {
		return []*instance{in}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
}

func (m *Manager) all() []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*instance
	for _, app := range m.order {
		for _, n := range m.apps[app] {
			out = append(out, m.slots[n])
		}
	}
	return out
}

// Start spawns every slot of name (an app or a single instance). Slots that
// are already running are left alone.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.broadcast(ctx, name, ctrlStart)
}

// Stop gracefully stops every slot of name and cancels pending restarts.
// It returns once the children have exited.
func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.broadcast(ctx, name, ctrlStop)
}

// Restart stops and respawns every slot of name.
func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.broadcast(ctx, name, ctrlRestart)
}

// StartAll starts every registered app.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, in := range m.all() {
		if err := in.send(ctx, ctrlStart); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) broadcast(ctx context.Context, name string, typ ctrlType) error {
	insts, err := m.resolve(name)
	if err != nil {
		return err
	}
	errs := make([]error, len(insts))
	var wg sync.WaitGroup
	for i, in := range insts {
		wg.Add(1)
		go func(i int, in *instance) {
			defer wg.Done()
			errs[i] = in.send(ctx, typ)
		}(i, in)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Status returns the slots of name.
func (m *Manager) Status(name string) ([]process.Status, error) {
	m.mu.RLock()
	names, app := m.apps[name]
	in, single := m.slots[name]
	m.mu.RUnlock()
	switch {
	case app:
		out := make([]process.Status, 0, len(names))
		for _, n := range names {
			m.mu.RLock()
			s := m.slots[n]
			m.mu.RUnlock()
			out = append(out, s.status())
		}
		return out, nil
	case single:
		return []process.Status{in.status()}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
}

// StatusAll returns every slot in registration order.
func (m *Manager) StatusAll() []process.Status {
	insts := m.all()
	out := make([]process.Status, 0, len(insts))
	for _, in := range insts {
		out = append(out, in.status())
	}
	return out
}

// Names returns registered app names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.order...)
	sort.Strings(out)
	return out
}

func (m *Manager) updateRunning(app string) {
	m.mu.RLock()
	names := m.apps[app]
	insts := make([]*instance, 0, len(names))
	for _, n := range names {
		if in := m.slots[n]; in != nil {
			insts = append(insts, in)
		}
	}
	m.mu.RUnlock()
	running := 0
	for _, in := range insts {
		if in.status().State == process.StateRunning {
			running++
		}
	}
	metrics.SetRunningInstances(app, running)
}

// Shutdown stops every child gracefully, then ends the control loops. If ctx
// expires first, remaining children are killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	insts := m.all()
	var wg sync.WaitGroup
	for _, in := range insts {
		wg.Add(1)
		go func(in *instance) {
			defer wg.Done()
			if err := in.send(ctx, ctrlStop); err != nil && !errors.Is(err, ErrShuttingDown) {
				m.log.Warn("graceful stop interrupted", "name", in.spec.Name, "error", err)
			}
		}(in)
	}
	wg.Wait()
	m.cancel()
	m.wg.Wait()
	m.log.Info("all processes stopped", "count", len(insts))
	return ctx.Err()
}

// Serve blocks until ctx is done and then shuts the manager down. It lets
// the Manager run as a service in a supervision tree.
func (m *Manager) Serve(ctx context.Context) error {
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), m.shutdownBudget())
	defer cancel()
	_ = m.Shutdown(sctx)
	return ctx.Err()
}

func (m *Manager) String() string { return "manager" }

// shutdownBudget is the longest kill_timeout plus a margin for the kill.
func (m *Manager) shutdownBudget() time.Duration {
	longest := process.DefaultKillTimeout
	for _, in := range m.all() {
		if in.spec.KillTimeout > longest {
			longest = in.spec.KillTimeout
		}
	}
	return longest + 2*time.Second
}
