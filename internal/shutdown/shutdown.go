// Package shutdown stops a child with a graceful signal and a bounded grace
// period before a forced kill.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"syscall"
	"time"
)

// ErrShutdownTimeout means the grace period elapsed and SIGKILL was sent.
var ErrShutdownTimeout = errors.New("shutdown: grace period exceeded, process killed")

// Message is what the handshake strategy writes to the child's stdin.
const Message = "shutdown"

// Strategy selects how the stop is initiated. Both strategies end with the
// same grace timer and forced kill.
type Strategy int

const (
	// TimeoutOnly sends SIGTERM and waits for the grace period.
	TimeoutOnly Strategy = iota
	// Handshake asks the child to exit via a stdin message first, falling
	// back to SIGTERM when the message cannot be delivered.
	Handshake
)

func (s Strategy) String() string {
	if s == Handshake {
		return "handshake"
	}
	return "timeout"
}

// Target is the running child being stopped.
type Target interface {
	Signal(sig syscall.Signal) error
	Message(msg string) error
	Done() <-chan struct{}
}

type Coordinator struct {
	Grace    time.Duration
	Strategy Strategy
	Logger   *slog.Logger
	// After replaces time.After, for tests.
	After func(time.Duration) <-chan time.Time
}

// Stop initiates the graceful stop then waits up to Grace for t to finish.
// When the grace timer fires first, SIGKILL is sent to the process group
// and ErrShutdownTimeout is returned once the child is gone. A cancelled ctx
// skips the grace wait and kills immediately.
func (c Coordinator) Stop(ctx context.Context, t Target) error {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	select {
	case <-t.Done():
		return nil
	default:
	}

	if c.Strategy == Handshake {
		if err := t.Message(Message); err != nil {
			log.Debug("shutdown message not delivered, sending SIGTERM", "error", err)
			_ = t.Signal(syscall.SIGTERM)
		}
	} else if err := t.Signal(syscall.SIGTERM); err != nil {
		log.Debug("SIGTERM failed", "error", err)
	}

	timer, stop := c.timer(c.Grace)
	defer stop()
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
	case <-timer:
	}

	select {
	case <-t.Done():
		return nil
	default:
	}
	log.Warn("grace period exceeded, sending SIGKILL", "grace", c.Grace)
	if err := t.Signal(syscall.SIGKILL); err != nil {
		log.Error("SIGKILL failed", "error", err)
	}
	<-t.Done()
	return ErrShutdownTimeout
}

func (c Coordinator) timer(d time.Duration) (<-chan time.Time, func()) {
	if c.After != nil {
		return c.After(d), func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}
