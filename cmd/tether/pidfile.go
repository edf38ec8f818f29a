package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// acquirePidFile records pid in path and returns a release func that
// removes it. A pidfile naming another live process is refused; a stale
// one is overwritten.
func acquirePidFile(path string, pid int) (func(), error) {
	if owner, err := readPidFile(path); err == nil && owner > 0 && owner != pid {
		if alive, _ := process.PidExists(int32(owner)); alive { // #nosec G115
			return nil, fmt.Errorf("pidfile %s: tether already running with PID %d", path, owner)
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil { // #nosec G306
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return func() {
		if owner, err := readPidFile(path); err == nil && owner == pid {
			_ = os.Remove(path)
		}
	}, nil
}

func readPidFile(path string) (int, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		// Unparsable content is treated as stale.
		return 0, nil
	}
	return pid, nil
}
