//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup terminates the process; Windows has no SIGTERM delivery, so
// every signal other than 0 ends the process.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 || sig == 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
