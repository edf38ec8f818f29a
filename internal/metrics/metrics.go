// Package metrics holds the supervisor's Prometheus collectors. Recording
// helpers are no-ops until Register succeeds.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

// States lists the label values of current_state.
var States = []string{"starting", "running", "stopping", "stopped", "crashed"}

var restartDelayBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30}

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "process", Name: name, Help: help,
	}, labels)
}

var (
	registered atomic.Bool

	starts         = counter("process", "starts_total", "Number of successful process spawns.", "name")
	restarts       = counter("process", "restarts_total", "Number of restarts by trigger: exit reason, watch, cron or restart.", "name", "reason")
	exits          = counter("process", "exits_total", "Number of process exits by classified reason.", "name", "reason")
	forcedKills    = counter("process", "forced_kills_total", "Number of stops that exceeded kill_timeout and ended with SIGKILL.", "name")
	memoryBreaches = counter("process", "memory_limit_breaches_total", "Number of samples above max_memory_restart.", "name")
	transitions    = counter("process", "state_transitions_total", "Number of state transitions between different process states.", "name", "from", "to")
	historyErrors  = counter("history", "send_errors_total", "Number of failed history sink writes.", "sink")

	rss          = gauge("memory_rss_bytes", "Last sampled resident memory of the process.", "name")
	running      = gauge("running_instances", "Current running instances per app.", "app")
	currentState = gauge("current_state", "Current state of processes (1 = active state, 0 = inactive).", "name", "state")

	restartDelay = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "restart_delay_seconds",
		Help:      "Delay applied before each automatic restart.",
		Buckets:   restartDelayBuckets,
	}, []string{"name"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		starts, restarts, exits, forcedKills, memoryBreaches, transitions, historyErrors,
		rss, running, currentState, restartDelay,
	}
}

// Register adds every collector to r. Collectors r already holds are
// skipped, so repeated calls are safe.
func Register(r prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	registered.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func inc(v *prometheus.CounterVec, labels ...string) {
	if registered.Load() {
		v.WithLabelValues(labels...).Inc()
	}
}

func set(v *prometheus.GaugeVec, val float64, labels ...string) {
	if registered.Load() {
		v.WithLabelValues(labels...).Set(val)
	}
}

func IncStart(name string) { inc(starts, name) }
func IncRestart(name, reason string) { inc(restarts, name, reason) }
func IncExit(name, reason string) { inc(exits, name, reason) }
func IncForcedKill(name string) { inc(forcedKills, name) }
func IncMemoryBreach(name string) { inc(memoryBreaches, name) }
func IncHistoryError(sink string) { inc(historyErrors, sink) }
func RecordStateTransition(name, from, to string) { inc(transitions, name, from, to) }

func SetRSS(name string, bytes uint64) { set(rss, float64(bytes), name) }
func SetRunningInstances(app string, n int) { set(running, float64(n), app) }

func ObserveRestartDelay(name string, seconds float64) {
	if registered.Load() {
		restartDelay.WithLabelValues(name).Observe(seconds)
	}
}

// SetCurrentState marks state active for name and every other state inactive.
func SetCurrentState(name, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		set(currentState, v, name, s)
	}
}
