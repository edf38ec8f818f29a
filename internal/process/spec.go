package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/tether/internal/logger"
)

// Defaults applied by WithDefaults when a field is left zero.
const (
	DefaultKillTimeout         = 1600 * time.Millisecond
	DefaultMemoryCheckInterval = 5 * time.Second
	DefaultExpBackoffDelay     = 100 * time.Millisecond
	DefaultMaxRestartDelay     = 15 * time.Second
	DefaultMinUptime           = 30 * time.Second
	DefaultWatchDelay          = time.Second
)

// EnvInstance is set in every child's environment to its instance index.
const EnvInstance = "TETHER_INSTANCE"

// Spec describes one supervised application. It is built once from
// configuration and never mutated afterwards; per-instance copies are
// derived with ForInstance.
type Spec struct {
	Name        string   `json:"name"`
	App         string   `json:"app"`      // base name shared by all instances
	Instance    int      `json:"instance"` // 1-based when Instances > 1, otherwise 0
	Interpreter string   `json:"interpreter,omitempty"`
	Script      string   `json:"script"`
	Args        []string `json:"args,omitempty"`
	WorkDir     string   `json:"cwd,omitempty"`
	Env         []string `json:"env,omitempty"`
	Instances   int      `json:"instances"`

	AutoRestart         bool          `json:"autorestart"`
	MaxMemoryRestart    uint64        `json:"max_memory_restart"` // bytes, 0 disables the watchdog
	MemoryCheckInterval time.Duration `json:"memory_check_interval"`
	KillTimeout         time.Duration `json:"kill_timeout"`
	WaitReady           bool          `json:"wait_ready"`
	ListenTimeout       time.Duration `json:"listen_timeout"`
	ListenAddr          string        `json:"listen_addr,omitempty"`
	ShutdownWithMessage bool          `json:"shutdown_with_message"`

	RestartDelay    time.Duration `json:"restart_delay"`
	ExpBackoffDelay time.Duration `json:"exp_backoff_restart_delay"`
	MaxRestartDelay time.Duration `json:"max_restart_delay"`
	MinUptime       time.Duration `json:"min_uptime"`
	CronRestart     string        `json:"cron_restart,omitempty"` // restart on this cron schedule

	Watch WatchSpec         `json:"watch"`
	Log   logger.SinkConfig `json:"log"`
}

// WatchSpec configures restart-on-change.
type WatchSpec struct {
	Enabled bool          `json:"enabled"`
	Paths   []string      `json:"paths,omitempty"`
	Ignore  []string      `json:"ignore,omitempty"`
	Delay   time.Duration `json:"delay"`
}

// InstanceCount returns how many copies of the app should run (at least 1).
func (s Spec) InstanceCount() int {
	if s.Instances <= 1 {
		return 1
	}
	return s.Instances
}

// ForInstance derives the spec of instance i (1-based). With a single
// instance the name is kept as is; otherwise it becomes "<name>-<i>" and
// log sinks get the same suffix.
func (s Spec) ForInstance(i int) Spec {
	inst := s
	inst.App = s.Name
	inst.Args = append([]string(nil), s.Args...)
	inst.Env = append([]string(nil), s.Env...)
	inst.Watch.Paths = append([]string(nil), s.Watch.Paths...)
	inst.Watch.Ignore = append([]string(nil), s.Watch.Ignore...)
	idx := 0
	if s.InstanceCount() > 1 {
		inst.Name = fmt.Sprintf("%s-%d", s.Name, i)
		inst.Instance = i
		inst.Log = s.Log.WithInstance(i)
		idx = i - 1
	}
	inst.Env = append(inst.Env, EnvInstance+"="+strconv.Itoa(idx))
	return inst
}

// WithDefaults fills zero-valued supervision knobs.
func (s Spec) WithDefaults() Spec {
	if s.KillTimeout <= 0 {
		s.KillTimeout = DefaultKillTimeout
	}
	if s.MemoryCheckInterval <= 0 {
		s.MemoryCheckInterval = DefaultMemoryCheckInterval
	}
	if s.ExpBackoffDelay <= 0 {
		s.ExpBackoffDelay = DefaultExpBackoffDelay
	}
	if s.MaxRestartDelay <= 0 {
		s.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if s.MinUptime <= 0 {
		s.MinUptime = DefaultMinUptime
	}
	if s.Watch.Delay <= 0 {
		s.Watch.Delay = DefaultWatchDelay
	}
	if s.App == "" {
		s.App = s.Name
	}
	return s
}

// Command returns the executable and argv tail. With an interpreter the
// script becomes its first argument; otherwise the script is executed. A
// bare script name is taken from WorkDir when a file of that name exists
// there, and looked up in PATH otherwise.
func (s Spec) Command() (string, []string) {
	if s.Interpreter == "" {
		return s.scriptPath(), append([]string(nil), s.Args...)
	}
	args := make([]string, 0, len(s.Args)+1)
	args = append(args, s.Script)
	args = append(args, s.Args...)
	return s.Resolve(s.Interpreter), args
}

func (s Spec) scriptPath() string {
	if s.WorkDir != "" && s.Script != "" && filepath.Base(s.Script) == s.Script {
		local := filepath.Join(s.WorkDir, s.Script)
		if fi, err := os.Stat(local); err == nil && !fi.IsDir() {
			return local
		}
	}
	return s.Resolve(s.Script)
}

// BuildCommand constructs an *exec.Cmd for the spec without starting it.
func (s Spec) BuildCommand() *exec.Cmd {
	name, args := s.Command()
	// #nosec G204 -- the command line is the operator's configuration
	cmd := exec.Command(name, args...)
	cmd.Dir = s.WorkDir
	return cmd
}

// Resolve makes a relative path with a directory component relative to
// WorkDir. Bare names and absolute paths are returned unchanged.
func (s Spec) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || filepath.Base(p) == p || s.WorkDir == "" {
		return p
	}
	return filepath.Join(s.WorkDir, p)
}
