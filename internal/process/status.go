package process

import "time"

// State is the lifecycle position of one supervised child.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

// Terminal reports whether no further transitions can happen for the handle.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// Status is a point-in-time snapshot of one instance slot.
type Status struct {
	Name       string    `json:"name"`
	App        string    `json:"app"`
	Instance   int       `json:"instance"`
	PID        int       `json:"pid"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Restarts   int       `json:"restarts"`
	LastReason string    `json:"last_reason,omitempty"`
	RSS        uint64    `json:"rss_bytes"`
	RestartAt  time.Time `json:"restart_at,omitempty"` // set while a restart is pending
}
