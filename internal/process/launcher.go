package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tether/internal/env"
)

// Launcher spawns children for a spec.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Handle, error)
}

// ExecLauncher starts real OS processes. Each child gets its own process
// group so group signals reach any grandchildren too.
type ExecLauncher struct {
	Env *env.Env // nil inherits the supervisor's environment
}

func (l ExecLauncher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Op: "start", Err: err}
	}
	name, _ := spec.Command()
	if err := checkExecutable(name); err != nil {
		return nil, &SpawnError{Name: spec.Name, Op: "exec", Err: err}
	}
	if spec.WorkDir != "" {
		fi, err := os.Stat(spec.WorkDir)
		if err == nil && !fi.IsDir() {
			err = fmt.Errorf("%s is not a directory", spec.WorkDir)
		}
		if err != nil {
			return nil, &SpawnError{Name: spec.Name, Op: "cwd", Err: err}
		}
	}
	sinks, err := spec.Log.Open()
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Op: "log", Err: err}
	}

	cmd := spec.BuildCommand()
	e := l.Env
	if e == nil {
		e = env.New().FromOS()
	}
	cmd.Env = e.Merge(spec.Env)
	if sinks.Out != nil {
		cmd.Stdout = sinks.Out
	}
	if sinks.Err != nil {
		cmd.Stderr = sinks.Err
	}
	// Grandchildren holding an output pipe must not block Wait forever.
	cmd.WaitDelay = time.Second
	configureSysProcAttr(cmd)

	var stdin io.WriteCloser
	if spec.ShutdownWithMessage {
		if stdin, err = cmd.StdinPipe(); err != nil {
			_ = sinks.Close()
			return nil, &SpawnError{Name: spec.Name, Op: "start", Err: err}
		}
	}
	if err := cmd.Start(); err != nil {
		_ = sinks.Close()
		return nil, &SpawnError{Name: spec.Name, Op: "start", Err: err}
	}
	return NewHandle(spec, &execChild{cmd: cmd, stdin: stdin}, sinks), nil
}

func checkExecutable(name string) error {
	if name == "" {
		return errors.New("empty command")
	}
	if filepath.Base(name) == name {
		_, err := exec.LookPath(name)
		return err
	}
	fi, err := os.Stat(name)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", name)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: %w", name, os.ErrPermission)
	}
	return nil
}

type execChild struct {
	cmd   *exec.Cmd
	mu    sync.Mutex
	stdin io.WriteCloser
}

func (c *execChild) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *execChild) Signal(sig syscall.Signal) error {
	return signalGroup(c.Pid(), sig)
}

func (c *execChild) Message(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return ErrNoStdin
	}
	_, err := io.WriteString(c.stdin, msg+"\n")
	return err
}

func (c *execChild) Wait() (int, error) {
	err := c.cmd.Wait()
	c.mu.Lock()
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	c.mu.Unlock()
	if c.cmd.ProcessState == nil {
		return -1, err
	}
	return c.cmd.ProcessState.ExitCode(), err
}
