// Package watch reports debounced file changes under a set of roots.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultIgnore is always applied on top of configured patterns.
var DefaultIgnore = []string{".git", "node_modules", "__pycache__", ".venv"}

type Config struct {
	Paths  []string
	Ignore []string      // glob patterns matched against each path segment and the relative path
	Delay  time.Duration // quiet period before a burst of events is reported
	Logger *slog.Logger

	// Exclude holds absolute paths or absolute glob patterns that are never
	// reported. An excluded directory excludes its whole subtree.
	Exclude []string
}

type Watcher struct {
	fs     *fsnotify.Watcher
	roots  []string
	ignore []string
	skip   []string
	delay  time.Duration
	log    *slog.Logger
}

// New registers every non-ignored directory below cfg.Paths.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("watch: no paths")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:     fw,
		ignore: append(append([]string(nil), DefaultIgnore...), cfg.Ignore...),
		delay:  cfg.Delay,
		log:    cfg.Logger,
	}
	for _, p := range cfg.Exclude {
		if abs, err := filepath.Abs(p); err == nil {
			w.skip = append(w.skip, abs)
		}
	}
	if w.delay <= 0 {
		w.delay = time.Second
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		w.roots = append(w.roots, abs)
		if err := w.addTree(abs); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fs.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.Ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			w.log.Debug("watch add failed", "path", p, "error", err)
		}
		return nil
	})
}

// Ignored reports whether path matches an ignore pattern.
func (w *Watcher) Ignored(path string) bool {
	if w.excluded(path) {
		return true
	}
	rel := path
	for _, r := range w.roots {
		if r2, err := filepath.Rel(r, path); err == nil && !strings.HasPrefix(r2, "..") {
			rel = r2
			break
		}
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	for _, pat := range w.ignore {
		if ok, _ := filepath.Match(pat, filepath.ToSlash(rel)); ok {
			return true
		}
		for _, s := range segs {
			if ok, _ := filepath.Match(pat, s); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) excluded(path string) bool {
	path = filepath.Clean(path)
	for _, ex := range w.skip {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
		if ok, _ := filepath.Match(ex, path); ok {
			return true
		}
	}
	return false
}

// Run delivers one onChange call per burst of events, with the last changed
// path, until ctx is done. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) error {
	defer func() { _ = w.fs.Close() }()
	var (
		timer *time.Timer
		fire  <-chan time.Time
		last  string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod || w.Ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.addTree(ev.Name)
				}
			}
			last = ev.Name
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange(last)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}
