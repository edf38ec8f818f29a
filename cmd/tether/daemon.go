package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// daemonFlags are consumed by the parent and not passed to the child.
// The bool reports whether the flag takes a separate value.
var daemonFlags = map[string]bool{"--daemonize": false, "--logfile": true}

// daemonize re-executes the current command line without the daemon
// flags in a detached session and returns once the child is started. The
// child owns the pidfile.
func daemonize(out io.Writer, args []string, f RunFlags) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, childArgs(args)...) // #nosec G204
	configureDaemonAttrs(cmd)
	if f.LogFile != "" {
		lf, err := os.OpenFile(f.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304 G302
		if err != nil {
			return fmt.Errorf("open daemon log: %w", err)
		}
		defer func() { _ = lf.Close() }()
		cmd.Stdout, cmd.Stderr = lf, lf
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		name, _, inline := strings.Cut(args[i], "=")
		takesValue, drop := daemonFlags[name]
		if !drop {
			out = append(out, args[i])
			continue
		}
		if takesValue && !inline {
			i++
		}
	}
	return out
}
