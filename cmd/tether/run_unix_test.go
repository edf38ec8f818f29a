//go:build !windows

package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	eco := filepath.Join(dir, "ecosystem.toml")
	require.NoError(t, os.WriteFile(eco, []byte(`
[server]
listen = "127.0.0.1:0"

[[apps]]
name = "sleeper"
script = "/bin/sleep"
args = ["30"]
kill_timeout = 2000
`), 0o644))
	pid := filepath.Join(dir, "tether.pid")

	root := buildRoot()
	root.SetArgs([]string{"run", "-c", eco, "--pidfile", pid, "--log-level", "warn"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errC := make(chan error, 1)
	go func() { errC <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pid)
		return err == nil && string(b) == strconv.Itoa(os.Getpid())
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "logs", "sleeper-out.log"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errC:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NoFileExists(t, pid)
}
