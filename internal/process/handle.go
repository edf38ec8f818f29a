package process

import (
	"io"
	"sync"
	"syscall"
	"time"
)

// Child is the OS side of a running process as seen by a Handle. ExecLauncher
// provides the real implementation; tests substitute fakes.
type Child interface {
	Pid() int
	// Signal delivers sig to the child's whole process group.
	Signal(sig syscall.Signal) error
	// Message writes msg to the child's stdin.
	Message(msg string) error
	// Wait blocks until the child exits and returns its exit code
	// (-1 when killed by a signal) and the raw wait error, if any.
	Wait() (int, error)
}

// Handle tracks one spawned child from Starting to a terminal state. Only
// the owning instance loop calls the mutating methods; readers may call the
// accessors concurrently.
type Handle struct {
	spec    Spec
	child   Child
	sinks   io.Closer
	started time.Time
	now     func() time.Time
	done    chan struct{}

	mu       sync.RWMutex
	state    State
	stopped  time.Time
	exitCode int
	exitErr  error
}

// NewHandle wraps a started child and begins waiting on it. sinks (may be
// nil) are closed once the child has exited.
func NewHandle(spec Spec, child Child, sinks io.Closer) *Handle {
	h := &Handle{
		spec:    spec,
		child:   child,
		sinks:   sinks,
		now:     time.Now,
		started: time.Now(),
		done:    make(chan struct{}),
		state:   StateStarting,
	}
	go h.wait()
	return h
}

func (h *Handle) wait() {
	code, err := h.child.Wait()
	if h.sinks != nil {
		_ = h.sinks.Close()
	}
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.stopped = h.now()
	if h.state == StateStopping || (code == 0 && err == nil) {
		h.state = StateStopped
	} else {
		h.state = StateCrashed
	}
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) Spec() Spec           { return h.spec }
func (h *Handle) PID() int             { return h.child.Pid() }
func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the handle reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Exit returns the exit code and wait error. Valid only after Done.
func (h *Handle) Exit() (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode, h.exitErr
}

// Uptime is how long the child ran, or has been running so far.
func (h *Handle) Uptime() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state.Terminal() {
		return h.stopped.Sub(h.started)
	}
	return h.now().Sub(h.started)
}

// MarkRunning moves Starting to Running. It returns false when the child
// already left the Starting state.
func (h *Handle) MarkRunning() bool {
	return h.transition(StateStarting, StateRunning)
}

// MarkStopping records that a stop was requested; an exit seen afterwards is
// reported as Stopped rather than Crashed.
func (h *Handle) MarkStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = StateStopping
	return true
}

func (h *Handle) transition(from, to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) Signal(sig syscall.Signal) error { return h.child.Signal(sig) }
func (h *Handle) Message(msg string) error        { return h.child.Message(msg) }

// Status returns a snapshot; manager-level fields are left zero.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Status{
		Name:      h.spec.Name,
		App:       h.spec.App,
		Instance:  h.spec.Instance,
		PID:       h.child.Pid(),
		State:     h.state,
		StartedAt: h.started,
		StoppedAt: h.stopped,
		ExitCode:  h.exitCode,
	}
}
