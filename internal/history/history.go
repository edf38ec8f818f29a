package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventExit  EventType = "exit"
)

// Event is one lifecycle transition of a supervised instance.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	App        string    `json:"app"`
	Instance   int       `json:"instance"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	// Exit events only.
	Reason         string `json:"reason,omitempty"`
	ExitCode       int    `json:"exit_code"`
	Restart        bool   `json:"restart"`
	RestartDelayMS int64  `json:"restart_delay_ms"`
	RSS            uint64 `json:"rss_bytes,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks from a single goroutine so instance
// loops never wait on a slow database. Events are dropped when the buffer
// is full.
type Dispatcher struct {
	sinks   []Sink
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration
	dropped atomic.Uint64
	onError func(sink string, err error)

	closeOnce sync.Once
}

// NewDispatcher returns a dispatcher with DefaultBuffer capacity.
func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sinks:   append([]Sink(nil), sinks...),
		ch:      make(chan Event, DefaultBuffer),
		log:     log,
		timeout: DefaultSendTimeout,
	}
}

// OnError registers a callback invoked for every failed send. Must be set
// before Serve runs.
func (d *Dispatcher) OnError(fn func(sink string, err error)) { d.onError = fn }

// Record queues e for delivery. It never blocks.
func (d *Dispatcher) Record(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Serve delivers queued events until ctx is done, then drains what is left
// with a bounded timeout.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case e := <-d.ch:
			d.deliver(ctx, e)
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case e := <-d.ch:
			d.deliver(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			name := sinkName(s)
			d.log.Warn("history sink send failed", "sink", name, "event", e.Type, "name", e.Name, "error", err)
			if d.onError != nil {
				d.onError(name, err)
			}
		}
	}
}

// Close closes every sink that implements io.Closer.
func (d *Dispatcher) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		for _, s := range d.sinks {
			if c, ok := s.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
	})
	return errors.Join(errs...)
}

// String is the service name used by the supervision tree.
func (d *Dispatcher) String() string { return "history-dispatcher" }

type named interface{ Name() string }

func sinkName(s Sink) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "sink"
}

// Columns is the column order shared by the SQL sinks; Row returns values in
// the same order.
const Columns = "occurred_at, event, name, app, instance, pid, started_at, reason, exit_code, restart, restart_delay_ms, rss_bytes"

func (e Event) Row() []any {
	return []any{
		e.OccurredAt.UTC(), string(e.Type), e.Name, e.App, e.Instance, e.PID,
		e.StartedAt.UTC(), e.Reason, e.ExitCode, e.Restart, e.RestartDelayMS,
		int64(e.RSS), // #nosec G115 -- rss never reaches 2^63
	}
}
