package process

import (
	"errors"
	"fmt"
)

// ErrNoStdin is returned by Message when the child was started without a
// stdin pipe (shutdown_with_message disabled).
var ErrNoStdin = errors.New("process: stdin not attached")

// SpawnError reports a launch attempt that never produced a running child.
// Op names the failing step: "exec", "cwd", "log" or "start".
type SpawnError struct {
	Name string
	Op   string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Name, e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
