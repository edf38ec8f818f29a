package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/loykin/tether/internal/cron"
	"github.com/loykin/tether/internal/env"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/process"
)

const (
	DefaultServerListen  = "127.0.0.1:9070"
	DefaultBasePath      = "/api"
	DefaultMetricsListen = ":9071"
	DefaultLogDir        = "logs"
	DefaultListenTimeout = 3 * time.Second
	envPrefix            = "TETHER"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether s is usable as an app or instance name.
func ValidName(s string) bool { return nameRe.MatchString(s) }

// FileConfig mirrors the ecosystem file.
type FileConfig struct {
	LogDir   string        `mapstructure:"log_dir"`
	Env      []string      `mapstructure:"env"`
	EnvFiles []string      `mapstructure:"env_files"`
	UseOSEnv bool          `mapstructure:"use_os_env"`
	Log      logger.Config `mapstructure:"log"`
	Server   ServerConfig  `mapstructure:"server"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	History  HistoryConfig `mapstructure:"history"`
	Apps     []AppConfig   `mapstructure:"apps"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"` // empty disables the control API
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// AppConfig is one [[apps]] entry. Durations are milliseconds, as in pm2.
type AppConfig struct {
	Name        string   `mapstructure:"name"`
	Script      string   `mapstructure:"script"`
	Interpreter string   `mapstructure:"interpreter"`
	Args        []string `mapstructure:"args"`
	Cwd         string   `mapstructure:"cwd"`
	Instances   int      `mapstructure:"instances"`
	AutoRestart *bool    `mapstructure:"autorestart"`

	Watch       bool     `mapstructure:"watch"`
	WatchPaths  []string `mapstructure:"watch_paths"`
	IgnoreWatch []string `mapstructure:"ignore_watch"`
	WatchDelay  int64    `mapstructure:"watch_delay"`

	MaxMemoryRestart    string `mapstructure:"max_memory_restart"`
	MemoryCheckInterval int64  `mapstructure:"memory_check_interval"`
	KillTimeout         int64  `mapstructure:"kill_timeout"`
	WaitReady           bool   `mapstructure:"wait_ready"`
	ListenTimeout       int64  `mapstructure:"listen_timeout"`
	ListenAddr          string `mapstructure:"listen_addr"`
	ShutdownWithMessage bool   `mapstructure:"shutdown_with_message"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	ErrorFile string `mapstructure:"error_file"`
	OutFile   string `mapstructure:"out_file"`
	Time      bool   `mapstructure:"time"`

	RestartDelay           int64 `mapstructure:"restart_delay"`
	ExpBackoffRestartDelay int64 `mapstructure:"exp_backoff_restart_delay"`
	MaxRestartDelay        int64 `mapstructure:"max_restart_delay"`
	MinUptime              int64 `mapstructure:"min_uptime"`

	CronRestart string `mapstructure:"cron_restart"`
}

// Config is the resolved, validated configuration.
type Config struct {
	Path     string
	Dir      string
	UseOSEnv bool
	Env      []string // global pairs: env_files first, then env
	Log      logger.Config
	Server   ServerConfig
	Metrics  MetricsConfig
	History  HistoryConfig
	Apps     []process.Spec
}

// ValidationError reports one invalid field. Load joins all of them.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

// IsValidation reports whether err carries at least one ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Load reads an ecosystem file (TOML, YAML or JSON by extension), applies
// defaults and TETHER_* environment overrides, and validates it.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := newViper()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return fc.resolve(abs)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("log_dir", DefaultLogDir)
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("server.listen", DefaultServerListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	return v
}

func (fc FileConfig) resolve(path string) (*Config, error) {
	dir := filepath.Dir(path)
	var errs []error
	fail := func(field, format string, a ...any) {
		errs = append(errs, &ValidationError{Field: field, Msg: fmt.Sprintf(format, a...)})
	}

	c := &Config{
		Path:     path,
		Dir:      dir,
		UseOSEnv: fc.UseOSEnv,
		Log:      fc.Log,
		Server:   fc.Server,
		Metrics:  fc.Metrics,
		History:  fc.History,
	}
	if c.Log.File != "" {
		c.Log.File = under(dir, c.Log.File)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}

	global, err := env.LoadFiles(underAll(dir, fc.EnvFiles)...)
	if err != nil {
		fail("env_files", "%v", err)
	}
	for i, kv := range fc.Env {
		if !env.Valid(kv) {
			fail(fmt.Sprintf("env[%d]", i), "want KEY=VALUE, got %q", kv)
		}
	}
	c.Env = append(global, fc.Env...)

	c.History.Sinks = nil
	for i, dsn := range fc.History.Sinks {
		if err := factory.Supported(dsn); err != nil {
			fail(fmt.Sprintf("history.sinks[%d]", i), "%v", err)
		}
		c.History.Sinks = append(c.History.Sinks, sqliteUnder(dir, strings.TrimSpace(dsn)))
	}

	logDir := under(dir, fc.LogDir)
	if len(fc.Apps) == 0 {
		fail("apps", "at least one app is required")
	}
	seen := make(map[string]bool, len(fc.Apps))
	for i, ac := range fc.Apps {
		field := fmt.Sprintf("apps[%d]", i)
		if ac.Name != "" {
			field = fmt.Sprintf("apps[%s]", ac.Name)
		}
		switch {
		case ac.Name == "":
			fail(field+".name", "required")
		case !ValidName(ac.Name):
			fail(field+".name", "%q may only contain letters, digits, '.', '_' and '-'", ac.Name)
		case seen[ac.Name]:
			fail(field+".name", "duplicate app %q", ac.Name)
		}
		seen[ac.Name] = true
		spec, appErrs := ac.spec(dir, logDir)
		for _, e := range appErrs {
			e.Field = field + "." + e.Field
			errs = append(errs, e)
		}
		c.Apps = append(c.Apps, spec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// spec converts an app entry. Relative cwd is taken from the config
// directory; relative log, watch and env file paths from cwd.
func (ac AppConfig) spec(dir, logDir string) (process.Spec, []*ValidationError) {
	var errs []*ValidationError
	fail := func(field, format string, a ...any) {
		errs = append(errs, &ValidationError{Field: field, Msg: fmt.Sprintf(format, a...)})
	}
	ms := func(field string, v int64) time.Duration {
		if v < 0 {
			fail(field, "must not be negative, got %d", v)
			return 0
		}
		return time.Duration(v) * time.Millisecond
	}

	cwd := under(dir, ac.Cwd)
	if ac.Cwd == "" {
		cwd = dir
	}
	if ac.Script == "" {
		fail("script", "required")
	}
	if ac.Instances < 0 {
		fail("instances", "must not be negative, got %d", ac.Instances)
	}

	var limit uint64
	if s := strings.TrimSpace(ac.MaxMemoryRestart); s != "" && s != "0" {
		n, err := units.RAMInBytes(s)
		switch {
		case err != nil:
			fail("max_memory_restart", "%v", err)
		case n < 0:
			fail("max_memory_restart", "must not be negative, got %q", s)
		default:
			limit = uint64(n)
		}
	}

	perApp, err := env.LoadFiles(underAll(cwd, ac.EnvFiles)...)
	if err != nil {
		fail("env_files", "%v", err)
	}
	for i, kv := range ac.Env {
		if !env.Valid(kv) {
			fail(fmt.Sprintf("env[%d]", i), "want KEY=VALUE, got %q", kv)
		}
	}

	cronExpr := strings.TrimSpace(ac.CronRestart)
	if cronExpr != "" {
		if _, err := cron.Parse(cronExpr); err != nil {
			fail("cron_restart", "%v", err)
		}
	}

	autorestart := true
	if ac.AutoRestart != nil {
		autorestart = *ac.AutoRestart
	}
	out, errFile := ac.OutFile, ac.ErrorFile
	if out == "" {
		out = filepath.Join(logDir, ac.Name+"-out.log")
	}
	if errFile == "" {
		errFile = filepath.Join(logDir, ac.Name+"-error.log")
	}

	s := process.Spec{
		Name:                ac.Name,
		App:                 ac.Name,
		Interpreter:         ac.Interpreter,
		Script:              ac.Script,
		Args:                ac.Args,
		WorkDir:             cwd,
		Env:                 append(perApp, ac.Env...),
		Instances:           ac.Instances,
		AutoRestart:         autorestart,
		MaxMemoryRestart:    limit,
		MemoryCheckInterval: ms("memory_check_interval", ac.MemoryCheckInterval),
		KillTimeout:         ms("kill_timeout", ac.KillTimeout),
		WaitReady:           ac.WaitReady,
		ListenTimeout:       ms("listen_timeout", ac.ListenTimeout),
		ListenAddr:          ac.ListenAddr,
		ShutdownWithMessage: ac.ShutdownWithMessage,
		RestartDelay:        ms("restart_delay", ac.RestartDelay),
		ExpBackoffDelay:     ms("exp_backoff_restart_delay", ac.ExpBackoffRestartDelay),
		MaxRestartDelay:     ms("max_restart_delay", ac.MaxRestartDelay),
		MinUptime:           ms("min_uptime", ac.MinUptime),
		CronRestart:         cronExpr,
		Watch: process.WatchSpec{
			Enabled: ac.Watch,
			Paths:   underAll(cwd, ac.WatchPaths),
			Ignore:  ac.IgnoreWatch,
			Delay:   ms("watch_delay", ac.WatchDelay),
		},
		Log: logger.SinkConfig{
			OutFile: sinkPath(cwd, out),
			ErrFile: sinkPath(cwd, errFile),
			Time:    ac.Time,
		},
	}
	if s.WaitReady && s.ListenTimeout == 0 {
		s.ListenTimeout = DefaultListenTimeout
	}
	return s.WithDefaults(), errs
}

// Environment returns the global environment every child starts from.
func (c *Config) Environment() *env.Env {
	e := env.New()
	if c.UseOSEnv {
		e = e.FromOS()
	}
	return e.WithPairs(c.Env)
}

func under(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func underAll(base string, ps []string) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, under(base, p))
	}
	return out
}

// sqliteUnder places a relative SQLite database next to the config file.
func sqliteUnder(dir, dsn string) string {
	const scheme = "sqlite://"
	switch {
	case strings.HasPrefix(strings.ToLower(dsn), scheme):
		return scheme + under(dir, dsn[len(scheme):])
	case strings.Contains(dsn, "://"), strings.HasPrefix(dsn, "file:"):
		return dsn
	}
	return under(dir, dsn)
}

func sinkPath(cwd, p string) string {
	if p == "none" || p == "/dev/null" {
		return p
	}
	return under(cwd, p)
}
