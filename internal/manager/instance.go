package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/tether/internal/cron"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/monitor"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/restart"
	"github.com/loykin/tether/internal/shutdown"
	"github.com/loykin/tether/internal/watch"
)

// ctrlType enumerates control message kinds handled by an instance loop.
type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
)

// ctrlMsg is a control-plane message sent to an instance loop to serialize
// lifecycle operations.
type ctrlMsg struct {
	typ   ctrlType
	reply chan error
}

// deps are the collaborators shared by every instance of a Manager.
type deps struct {
	launcher process.Launcher
	sampler  monitor.Sampler
	recorder Recorder
	log      *slog.Logger
	after    func(time.Duration) <-chan time.Time
	onState  func(app string)
}

// instance owns one supervised slot. All lifecycle decisions happen on the
// goroutine running loop; other goroutines only read snapshots.
type instance struct {
	spec   process.Spec
	deps   deps
	log    *slog.Logger
	policy *restart.Policy
	coord  shutdown.Coordinator
	ctrl   chan ctrlMsg
	done   chan struct{}

	// loop-owned
	h         *process.Handle
	exitC     <-chan struct{}
	breachC   <-chan monitor.Sample
	readyC    <-chan bool
	runCancel context.CancelFunc
	timer     *time.Timer
	timerC    <-chan time.Time
	want      bool // operator wants the slot running

	mu       sync.RWMutex
	state    process.State
	restarts int
	reason   restart.Reason
	rss      uint64
	exitCode int
	runAt    time.Time
	stopAt   time.Time
	pid      int
	retryAt  time.Time
}

func newInstance(spec process.Spec, d deps) *instance {
	strategy := shutdown.TimeoutOnly
	if spec.ShutdownWithMessage {
		strategy = shutdown.Handshake
	}
	log := d.log.With("name", spec.Name)
	return &instance{
		spec: spec,
		deps: d,
		log:  log,
		policy: restart.New(restart.Config{
			RestartDelay:   spec.RestartDelay,
			InitialBackoff: spec.ExpBackoffDelay,
			MaxBackoff:     spec.MaxRestartDelay,
			MinUptime:      spec.MinUptime,
		}),
		coord: shutdown.Coordinator{
			Grace:    spec.KillTimeout,
			Strategy: strategy,
			Logger:   log,
			After:    d.after,
		},
		ctrl:  make(chan ctrlMsg, 8),
		done:  make(chan struct{}),
		state: process.StateStopped,
	}
}

func (in *instance) send(ctx context.Context, typ ctrlType) error {
	reply := make(chan error, 1)
	select {
	case in.ctrl <- ctrlMsg{typ: typ, reply: reply}:
	case <-in.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrBusy, in.spec.Name)
	}
	select {
	case err := <-reply:
		return err
	case <-in.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *instance) loop(ctx context.Context) {
	defer close(in.done)
	watchC := in.startWatch(ctx)
	cronC := in.startCron(ctx)
	for {
		select {
		case <-ctx.Done():
			in.want = false
			in.cancelRetry()
			if in.h != nil {
				in.stopChild(ctx, restart.ReasonManualStop)
			}
			return
		case msg := <-in.ctrl:
			msg.reply <- in.handle(ctx, msg.typ)
		case <-in.exitC:
			in.onExit(in.classify())
		case s := <-in.breachC:
			in.breachC = nil
			in.log.Warn("memory limit exceeded, restarting", "rss", s.RSS, "limit", in.spec.MaxMemoryRestart)
			metrics.IncMemoryBreach(in.spec.Name)
			in.stopChild(ctx, restart.ReasonMemoryLimit)
		case <-in.timerC:
			in.timer, in.timerC = nil, nil
			in.setRetryAt(time.Time{})
			if err := in.spawn(ctx); err != nil {
				in.onSpawnError(err)
				continue
			}
			in.countRestart()
		case ok := <-in.readyC:
			in.readyC = nil
			if !ok {
				in.log.Warn("listen timeout reached, treating process as running", "addr", in.spec.ListenAddr, "timeout", in.spec.ListenTimeout)
			}
			in.markRunning()
		case path := <-watchC:
			if !in.want {
				continue
			}
			in.log.Info("file change detected, restarting", "path", path)
			metrics.IncRestart(in.spec.Name, "watch")
			in.restartNow(ctx)
		case <-cronC:
			if !in.want {
				continue
			}
			in.log.Info("cron restart", "schedule", in.spec.CronRestart)
			metrics.IncRestart(in.spec.Name, "cron")
			in.restartNow(ctx)
		}
	}
}

func (in *instance) handle(ctx context.Context, typ ctrlType) error {
	switch typ {
	case ctrlStart:
		in.want = true
		if in.h != nil {
			return nil
		}
		in.cancelRetry()
		if err := in.spawn(ctx); err != nil {
			in.onSpawnError(err)
			return err
		}
		return nil
	case ctrlStop:
		in.want = false
		in.cancelRetry()
		if in.h != nil {
			in.stopChild(ctx, restart.ReasonManualStop)
		}
		in.setState(process.StateStopped)
		return nil
	case ctrlRestart:
		in.want = true
		metrics.IncRestart(in.spec.Name, "restart")
		return in.restartNow(ctx)
	}
	return nil
}

// restartNow stops the current child, if any, and spawns a new one without
// consulting the restart policy.
func (in *instance) restartNow(ctx context.Context) error {
	in.cancelRetry()
	had := in.h != nil
	if had {
		in.stopChild(ctx, restart.ReasonManualStop)
	}
	if err := in.spawn(ctx); err != nil {
		in.onSpawnError(err)
		return err
	}
	if had {
		in.countRestart()
	}
	return nil
}

func (in *instance) spawn(ctx context.Context) error {
	in.setState(process.StateStarting)
	h, err := in.deps.launcher.Launch(ctx, in.spec)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	in.h, in.exitC, in.runCancel = h, h.Done(), cancel

	in.mu.Lock()
	in.pid = h.PID()
	in.runAt = h.StartedAt()
	in.stopAt = time.Time{}
	in.exitCode = 0
	in.rss = 0
	in.mu.Unlock()

	in.log.Info("process started", "pid", h.PID())
	metrics.IncStart(in.spec.Name)
	in.record(history.Event{Type: history.EventStart, PID: h.PID(), StartedAt: h.StartedAt()})

	in.breachC = monitor.Monitor{
		Sampler:   in.deps.sampler,
		Interval:  in.spec.MemoryCheckInterval,
		Threshold: in.spec.MaxMemoryRestart,
		OnSample: func(s monitor.Sample) {
			in.mu.Lock()
			in.rss = s.RSS
			in.mu.Unlock()
			metrics.SetRSS(in.spec.Name, s.RSS)
		},
	}.Watch(runCtx, h.PID())

	if in.spec.WaitReady && in.spec.ListenAddr != "" {
		ready := make(chan bool, 1)
		in.readyC = ready
		go func() { ready <- process.WaitListening(runCtx, in.spec.ListenAddr, in.spec.ListenTimeout) }()
	} else {
		in.markRunning()
	}
	return nil
}

func (in *instance) markRunning() {
	if in.h != nil && in.h.MarkRunning() {
		in.setState(process.StateRunning)
	}
}

// stopChild runs the shutdown coordinator and then handles the exit inline.
func (in *instance) stopChild(ctx context.Context, reason restart.Reason) {
	h := in.h
	h.MarkStopping()
	in.setState(process.StateStopping)
	if err := in.coord.Stop(ctx, h); errors.Is(err, shutdown.ErrShutdownTimeout) {
		in.log.Warn("process did not exit within kill_timeout, killed", "kill_timeout", in.spec.KillTimeout)
		metrics.IncForcedKill(in.spec.Name)
	}
	in.onExit(reason)
}

// classify maps an unsolicited exit to a restart reason.
func (in *instance) classify() restart.Reason {
	code, err := in.h.Exit()
	if code == 0 && err == nil {
		return restart.ReasonNormalExit
	}
	return restart.ReasonCrashExit
}

func (in *instance) onExit(reason restart.Reason) {
	h := in.h
	<-h.Done()
	in.runCancel()
	in.h, in.exitC, in.breachC, in.readyC, in.runCancel = nil, nil, nil, nil, nil

	code, _ := h.Exit()
	st := h.State()
	in.policy.Observe(h.Uptime())
	d := in.policy.Decide(reason, in.spec.AutoRestart && in.want)

	in.mu.Lock()
	in.reason = reason
	in.exitCode = code
	in.pid = 0
	in.stopAt = time.Now()
	rss := in.rss
	in.mu.Unlock()
	in.setState(st)

	in.log.Info("process exited", "pid", h.PID(), "code", code, "reason", reason, "restart", d.Restart, "delay", d.Delay)
	metrics.IncExit(in.spec.Name, string(reason))
	in.record(history.Event{
		Type: history.EventExit, PID: h.PID(), StartedAt: h.StartedAt(), Reason: string(reason),
		ExitCode: code, Restart: d.Restart, RestartDelayMS: d.Delay.Milliseconds(), RSS: rss,
	})
	if d.Restart && reason != restart.ReasonManualStop {
		in.scheduleRetry(d)
	}
}

// onSpawnError evaluates the restart policy as if the child had crashed.
func (in *instance) onSpawnError(err error) {
	in.log.Error("spawn failed", "error", err)
	in.mu.Lock()
	in.reason = restart.ReasonCrashExit
	in.pid = 0
	in.mu.Unlock()
	in.setState(process.StateCrashed)
	metrics.IncExit(in.spec.Name, string(restart.ReasonCrashExit))
	d := in.policy.Decide(restart.ReasonCrashExit, in.spec.AutoRestart && in.want)
	if d.Restart {
		in.scheduleRetry(d)
	}
}

func (in *instance) scheduleRetry(d restart.Decision) {
	in.cancelRetry()
	in.timer = time.NewTimer(d.Delay)
	in.timerC = in.timer.C
	in.setRetryAt(time.Now().Add(d.Delay))
	metrics.IncRestart(in.spec.Name, string(d.Reason))
	metrics.ObserveRestartDelay(in.spec.Name, d.Delay.Seconds())
}

func (in *instance) cancelRetry() {
	if in.timer != nil {
		in.timer.Stop()
	}
	in.timer, in.timerC = nil, nil
	in.setRetryAt(time.Time{})
}

func (in *instance) countRestart() {
	in.mu.Lock()
	in.restarts++
	in.mu.Unlock()
}

func (in *instance) setRetryAt(t time.Time) {
	in.mu.Lock()
	in.retryAt = t
	in.mu.Unlock()
}

func (in *instance) setState(s process.State) {
	in.mu.Lock()
	prev := in.state
	in.state = s
	in.mu.Unlock()
	if prev == s {
		return
	}
	metrics.RecordStateTransition(in.spec.Name, string(prev), string(s))
	metrics.SetCurrentState(in.spec.Name, string(s))
	if in.deps.onState != nil {
		in.deps.onState(in.spec.App)
	}
}

func (in *instance) record(e history.Event) {
	if in.deps.recorder == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	e.Name = in.spec.Name
	e.App = in.spec.App
	e.Instance = in.spec.Instance
	in.deps.recorder.Record(e)
}

func (in *instance) startWatch(ctx context.Context) <-chan string {
	if !in.spec.Watch.Enabled {
		return nil
	}
	paths := in.spec.Watch.Paths
	if len(paths) == 0 && in.spec.WorkDir != "" {
		paths = []string{in.spec.WorkDir}
	}
	w, err := watch.New(watch.Config{
		Paths:   paths,
		Ignore:  in.spec.Watch.Ignore,
		Exclude: sinkExcludes(in.spec, paths),
		Delay:   in.spec.Watch.Delay,
		Logger:  in.log,
	})
	if err != nil {
		in.log.Error("file watch disabled", "error", err)
		return nil
	}
	ch := make(chan string, 1)
	go func() {
		_ = w.Run(ctx, func(p string) {
			select {
			case ch <- p:
			default:
			}
		})
	}()
	return ch
}

// sinkExcludes keeps the app's own output out of the watch set: its sink
// files, the sinks of sibling instances and the sink directory itself
// when no watch root lies at or below it.
func sinkExcludes(spec process.Spec, roots []string) []string {
	var out []string
	for _, f := range spec.Log.Files() {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		dir, ext := filepath.Dir(abs), filepath.Ext(abs)
		stem := strings.TrimSuffix(filepath.Base(abs), ext)
		if spec.Instance > 0 {
			stem = strings.TrimSuffix(stem, "-"+strconv.Itoa(spec.Instance))
		}
		out = append(out, abs, filepath.Join(dir, stem+"*"+ext))
		if !holdsRoot(dir, roots) {
			out = append(out, dir)
		}
	}
	return out
}

// holdsRoot reports whether dir is one of roots or an ancestor of one.
func holdsRoot(dir string, roots []string) bool {
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(dir, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (in *instance) startCron(ctx context.Context) <-chan time.Time {
	if in.spec.CronRestart == "" {
		return nil
	}
	ch, err := cron.Ticks(ctx, in.spec.CronRestart, nil)
	if err != nil {
		in.log.Error("cron restart disabled", "error", err)
		return nil
	}
	return ch
}

func (in *instance) status() process.Status {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return process.Status{
		Name:       in.spec.Name,
		App:        in.spec.App,
		Instance:   in.spec.Instance,
		PID:        in.pid,
		State:      in.state,
		StartedAt:  in.runAt,
		StoppedAt:  in.stopAt,
		ExitCode:   in.exitCode,
		Restarts:   in.restarts,
		LastReason: string(in.reason),
		RSS:        in.rss,
		RestartAt:  in.retryAt,
	}
}
