package process

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/loykin/tether/internal/logger"
)

func TestForInstance_Single(t *testing.T) {
	s := Spec{Name: "api", Instances: 1, Log: logger.SinkConfig{OutFile: "logs/out.log"}}
	inst := s.ForInstance(1)
	if inst.Name != "api" || inst.Instance != 0 || inst.App != "api" {
		t.Fatalf("unexpected single instance identity: %+v", inst)
	}
	if inst.Log.OutFile != "logs/out.log" {
		t.Fatalf("single instance must keep log path, got %q", inst.Log.OutFile)
	}
	if !slices.Contains(inst.Env, EnvInstance+"=0") {
		t.Fatalf("instance env missing: %v", inst.Env)
	}
}

func TestForInstance_Many(t *testing.T) {
	s := Spec{Name: "api", Instances: 3, Env: []string{"A=1"}, Log: logger.SinkConfig{OutFile: "logs/out.log", ErrFile: "logs/err.log"}}
	if s.InstanceCount() != 3 {
		t.Fatalf("InstanceCount=%d", s.InstanceCount())
	}
	inst := s.ForInstance(2)
	if inst.Name != "api-2" || inst.Instance != 2 || inst.App != "api" {
		t.Fatalf("unexpected identity: %+v", inst)
	}
	if inst.Log.OutFile != "logs/out-2.log" || inst.Log.ErrFile != "logs/err-2.log" {
		t.Fatalf("log suffix not applied: %+v", inst.Log)
	}
	if !slices.Equal(inst.Env, []string{"A=1", EnvInstance + "=1"}) {
		t.Fatalf("env: %v", inst.Env)
	}
	if len(s.Env) != 1 {
		t.Fatalf("base spec env mutated: %v", s.Env)
	}
}

func TestInstanceCount_Floor(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		if got := (Spec{Instances: n}).InstanceCount(); got != 1 {
			t.Fatalf("Instances=%d -> %d, want 1", n, got)
		}
	}
}

func TestCommand_Interpreter(t *testing.T) {
	s := Spec{Interpreter: "./.venv/bin/python", Script: "app.py", Args: []string{"--port", "8000"}, WorkDir: "/srv/app"}
	name, args := s.Command()
	if name != filepath.Join("/srv/app", ".venv/bin/python") {
		t.Fatalf("interpreter not resolved against cwd: %q", name)
	}
	if !slices.Equal(args, []string{"app.py", "--port", "8000"}) {
		t.Fatalf("args: %v", args)
	}
	cmd := s.BuildCommand()
	if cmd.Dir != "/srv/app" {
		t.Fatalf("cmd dir %q", cmd.Dir)
	}
}

func TestCommand_ScriptOnly(t *testing.T) {
	name, args := Spec{Script: "node", Args: []string{"server.js"}}.Command()
	if name != "node" || !slices.Equal(args, []string{"server.js"}) {
		t.Fatalf("got %q %v", name, args)
	}
}

func TestCommand_BareScriptInWorkDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if name, _ := (Spec{Script: "run.sh", WorkDir: dir}).Command(); name != filepath.Join(dir, "run.sh") {
		t.Fatalf("bare script not taken from cwd: %q", name)
	}
	// No such file in cwd: fall back to PATH lookup.
	if name, _ := (Spec{Script: "sh", WorkDir: dir}).Command(); name != "sh" {
		t.Fatalf("got %q, want PATH name", name)
	}
	// A directory of that name is not a script.
	if err := os.Mkdir(filepath.Join(dir, "tool"), 0o755); err != nil {
		t.Fatal(err)
	}
	if name, _ := (Spec{Script: "tool", WorkDir: dir}).Command(); name != "tool" {
		t.Fatalf("got %q, want PATH name", name)
	}
	// With an interpreter the script is passed through as an argument.
	name, args := Spec{Interpreter: "bash", Script: "run.sh", WorkDir: dir}.Command()
	if name != "bash" || !slices.Equal(args, []string{"run.sh"}) {
		t.Fatalf("got %q %v", name, args)
	}
}

func TestResolve(t *testing.T) {
	s := Spec{WorkDir: "/w"}
	cases := map[string]string{
		"":            "",
		"python3":     "python3",
		"/usr/bin/py": "/usr/bin/py",
		"./bin/run":   "/w/bin/run",
		"bin/run":     "/w/bin/run",
	}
	for in, want := range cases {
		if got := s.Resolve(in); got != want {
			t.Fatalf("Resolve(%q)=%q want %q", in, got, want)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	s := Spec{Name: "x", KillTimeout: 5 * time.Second}.WithDefaults()
	if s.KillTimeout != 5*time.Second {
		t.Fatalf("explicit kill timeout overwritten: %v", s.KillTimeout)
	}
	if s.ExpBackoffDelay != DefaultExpBackoffDelay || s.MaxRestartDelay != DefaultMaxRestartDelay ||
		s.MinUptime != DefaultMinUptime || s.MemoryCheckInterval != DefaultMemoryCheckInterval {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if s.App != "x" {
		t.Fatalf("app default %q", s.App)
	}
	if d := (Spec{}).WithDefaults().KillTimeout; d != 1600*time.Millisecond {
		t.Fatalf("default kill timeout %v", d)
	}
}

func TestStateTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		StateStarting: false, StateRunning: false, StateStopping: false,
		StateStopped: true, StateCrashed: true,
	} {
		if s.Terminal() != want {
			t.Fatalf("%s.Terminal() != %v", s, want)
		}
	}
}
