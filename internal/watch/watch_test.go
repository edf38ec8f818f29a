package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	ch    chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 16)} }

func (r *recorder) onChange(p string) {
	r.mu.Lock()
	r.paths = append(r.paths, p)
	r.mu.Unlock()
	r.ch <- p
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func start(t *testing.T, cfg Config) *recorder {
	t.Helper()
	w, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := newRecorder()
	go func() {
		_ = w.Run(ctx, r.onChange)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRun_ReportsChange(t *testing.T) {
	dir := t.TempDir()
	r := start(t, Config{Paths: []string{dir}, Delay: 20 * time.Millisecond})
	f := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(f, []byte("print(1)"), 0o600))
	select {
	case p := <-r.ch:
		assert.Equal(t, f, p)
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestRun_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	r := start(t, Config{Paths: []string{dir}, Delay: 200 * time.Millisecond})
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.py"), []byte{byte(i)}, 0o600))
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-r.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, r.count())
}

func TestRun_IgnoredPathsAreSilent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o750))
	r := start(t, Config{Paths: []string{dir}, Ignore: []string{"logs", "*.log"}, Delay: 20 * time.Millisecond})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "out.log"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, r.count())
}

func TestRun_WatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	r := start(t, Config{Paths: []string{dir}, Delay: 50 * time.Millisecond})
	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o750))
	<-r.ch // the mkdir itself
	time.Sleep(50 * time.Millisecond)
	f := filepath.Join(sub, "mod.py")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
	select {
	case p := <-r.ch:
		assert.Equal(t, f, p)
	case <-time.After(3 * time.Second):
		t.Fatal("change in new directory not reported")
	}
}

func TestIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Paths: []string{dir}, Ignore: []string{"*.tmp", "build/out"}})
	require.NoError(t, err)
	defer func() { _ = w.fs.Close() }()
	assert.True(t, w.Ignored(filepath.Join(dir, ".git", "HEAD")))
	assert.True(t, w.Ignored(filepath.Join(dir, "x.tmp")))
	assert.True(t, w.Ignored(filepath.Join(dir, "build", "out")))
	assert.False(t, w.Ignored(filepath.Join(dir, "build", "main.py")))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Paths: []string{filepath.Join(t.TempDir(), "missing")}})
	assert.Error(t, err)
}

func TestRun_SkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logs, 0o750))
	r := start(t, Config{
		Paths:   []string{dir},
		Exclude: []string{logs, filepath.Join(dir, "out*.log")},
		Delay:   20 * time.Millisecond,
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(logs, "app-out.log"), []byte{byte(i)}, 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "out-2.log"), []byte{byte(i)}, 0o600))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, r.count())

	src := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(src, []byte("package main\n"), 0o600))
	select {
	case p := <-r.ch:
		assert.Equal(t, src, p)
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}
