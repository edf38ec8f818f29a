// Package restart decides whether and when an exited child is started again.
package restart

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reason classifies why a child stopped running.
type Reason string

const (
	ReasonNormalExit  Reason = "normal_exit"
	ReasonCrashExit   Reason = "crash_exit"
	ReasonMemoryLimit Reason = "memory_limit"
	ReasonManualStop  Reason = "manual_stop"
)

// Reasons lists every reason, in a stable order, for metric label setup.
var Reasons = []Reason{ReasonNormalExit, ReasonCrashExit, ReasonMemoryLimit, ReasonManualStop}

// Decision is computed fresh on every exit and never stored.
type Decision struct {
	Restart bool
	Delay   time.Duration
	Reason  Reason
}

// Config bounds the restart delay. Zero fields take the package defaults.
type Config struct {
	RestartDelay   time.Duration // fixed floor added to every restart
	InitialBackoff time.Duration // first backoff step
	MaxBackoff     time.Duration // backoff cap
	MinUptime      time.Duration // a run at least this long resets the backoff
}

const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 15 * time.Second
	DefaultMinUptime      = 30 * time.Second
	backoffMultiplier     = 1.5
)

// Policy holds per-instance backoff state. It is safe for concurrent use,
// though each instance loop normally owns its own Policy.
type Policy struct {
	cfg Config
	mu  sync.Mutex
	b   *backoff.ExponentialBackOff
}

func New(cfg Config) *Policy {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MinUptime <= 0 {
		cfg.MinUptime = DefaultMinUptime
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return &Policy{cfg: cfg, b: b}
}

// Decide returns whether to restart after an exit for reason. Manual stops
// and disabled autorestart never restart; every other reason does, after a
// delay that does not shrink across consecutive short-lived runs.
func (p *Policy) Decide(reason Reason, autorestart bool) Decision {
	if !autorestart || reason == ReasonManualStop {
		return Decision{Restart: false, Reason: reason}
	}
	p.mu.Lock()
	next := p.b.NextBackOff()
	p.mu.Unlock()
	if next == backoff.Stop || next > p.cfg.MaxBackoff {
		next = p.cfg.MaxBackoff
	}
	return Decision{Restart: true, Delay: max(p.cfg.RestartDelay, next), Reason: reason}
}

// Observe feeds the uptime of the run that just ended. A run that lasted at
// least MinUptime resets the backoff to its initial step.
func (p *Policy) Observe(uptime time.Duration) {
	if uptime >= p.cfg.MinUptime {
		p.Reset()
	}
}

// Reset drops the accumulated backoff.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.b.Reset()
	p.mu.Unlock()
}

// MaxDelay is the upper bound of any delay Decide returns.
func (p *Policy) MaxDelay() time.Duration {
	return max(p.cfg.RestartDelay, p.cfg.MaxBackoff)
}
