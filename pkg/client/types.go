package client

import "time"

// ProcessStatus mirrors one entry of GET /status.
type ProcessStatus struct {
	Name       string    `json:"name"`
	App        string    `json:"app"`
	Instance   int       `json:"instance"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Restarts   int       `json:"restarts"`
	LastReason string    `json:"last_reason,omitempty"`
	RSS        uint64    `json:"rss_bytes"`
	RestartAt  time.Time `json:"restart_at,omitempty"`
}

// Running reports whether the instance currently has a live child.
func (s ProcessStatus) Running() bool { return s.State == "running" }

// StopResult is returned by Stop. Pending is set when the wait ran out
// before every instance exited; the daemon keeps stopping them.
type StopResult struct {
	OK      bool `json:"ok"`
	Pending bool `json:"pending,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
