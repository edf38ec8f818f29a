package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error { b.closed = true; return nil }

func fixedClock() func() time.Time {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	return func() time.Time { return ts }
}

func TestSinks_AppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := SinkConfig{
		OutFile: filepath.Join(dir, "logs", "out.log"),
		ErrFile: filepath.Join(dir, "logs", "err.log"),
	}
	for i := 0; i < 3; i++ {
		s, err := cfg.Open()
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_, _ = s.Out.Write([]byte("run\n"))
		_, _ = s.Err.Write([]byte("oops\n"))
		if err := s.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	out, err := os.ReadFile(cfg.OutFile)
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if got := strings.Count(string(out), "run\n"); got != 3 {
		t.Fatalf("expected 3 appended runs, got %d in %q", got, out)
	}
	errOut, _ := os.ReadFile(cfg.ErrFile)
	if got := strings.Count(string(errOut), "oops\n"); got != 3 {
		t.Fatalf("expected 3 appended error lines, got %d", got)
	}
}

func TestSinks_PreexistingContentKept(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "out.log")
	if err := os.WriteFile(p, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := SinkConfig{OutFile: p}.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = s.Out.Write([]byte("new\n"))
	_ = s.Close()
	b, _ := os.ReadFile(p)
	if string(b) != "old\nnew\n" {
		t.Fatalf("unexpected content %q", b)
	}
}

func TestSinks_Discarded(t *testing.T) {
	s, err := SinkConfig{OutFile: "none", ErrFile: os.DevNull}.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Out != nil || s.Err != nil {
		t.Fatalf("expected nil writers for discarded sinks")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSinkConfig_WithInstance(t *testing.T) {
	c := SinkConfig{OutFile: "logs/python-out.log", ErrFile: "none"}.WithInstance(2)
	if c.OutFile != "logs/python-out-2.log" {
		t.Fatalf("unexpected out path %q", c.OutFile)
	}
	if c.ErrFile != "none" {
		t.Fatalf("discarded path must stay untouched, got %q", c.ErrFile)
	}
	if same := (SinkConfig{OutFile: "a.log"}).WithInstance(0); same.OutFile != "a.log" {
		t.Fatalf("instance 0 must not add a suffix")
	}
}

func TestTimestampWriter_SplitWrites(t *testing.T) {
	b := &bufCloser{}
	w := NewTimestampWriter(b, fixedClock())
	for _, chunk := range []string{"hel", "lo\nwor", "ld\n", "\n", "tail"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	p := "2024-03-09T14:05:07: "
	want := p + "hello\n" + p + "world\n" + p + "\n" + p + "tail\n"
	if b.String() != want {
		t.Fatalf("got %q\nwant %q", b.String(), want)
	}
	if !b.closed {
		t.Fatalf("underlying sink not closed")
	}
}

func TestTimestampWriter_ReportsInputLength(t *testing.T) {
	w := NewTimestampWriter(&bufCloser{}, fixedClock())
	n, err := w.Write([]byte("a\nb\n"))
	if err != nil || n != 4 {
		t.Fatalf("expected n=4 err=nil, got n=%d err=%v", n, err)
	}
}

func FuzzTimestampWriter(f *testing.F) {
	f.Add([]byte("one\ntwo\n"), 3)
	f.Add([]byte("no newline"), 1)
	f.Add([]byte("\n\n\n"), 2)
	f.Fuzz(func(t *testing.T, data []byte, step int) {
		if step <= 0 || step > 64 {
			step = 1
		}
		b := &bufCloser{}
		w := NewTimestampWriter(b, fixedClock())
		for i := 0; i < len(data); i += step {
			end := i + step
			if end > len(data) {
				end = len(data)
			}
			_, _ = w.Write(data[i:end])
		}
		_ = w.Close()
		// Stripping the prefix from every line must give back the input.
		p := "2024-03-09T14:05:07: "
		var rebuilt strings.Builder
		for _, line := range strings.SplitAfter(b.String(), "\n") {
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, p) {
				t.Fatalf("line without prefix: %q", line)
			}
			rebuilt.WriteString(strings.TrimPrefix(line, p))
		}
		want := string(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			want += "\n"
		}
		if rebuilt.String() != want {
			t.Fatalf("rebuilt %q want %q", rebuilt.String(), want)
		}
	})
}

func TestSetup_FileUsesLumberjack(t *testing.T) {
	dir := t.TempDir()
	l, closer := Setup(Config{File: filepath.Join(dir, "tether.log"), Format: "json"})
	l.Info("hello", "k", "v")
	if lf, ok := closer.(*lj.Logger); !ok {
		t.Fatalf("expected lumberjack closer, got %T", closer)
	} else if lf.MaxSize != DefaultMaxSizeMB || lf.MaxBackups != DefaultMaxBackups || lf.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", lf)
	}
	_ = closer.Close()
	b, err := os.ReadFile(filepath.Join(dir, "tether.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) {
		t.Fatalf("json record missing: %s", b)
	}
}

func TestNew_LevelAndColor(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "warn", Color: true}).With("component", "test")
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info must be filtered at warn level: %s", out)
	}
	if !strings.HasPrefix(out, "\033[33mWARN \033[0m ") {
		t.Fatalf("expected a colored level column, got %q", out)
	}
	if strings.Contains(out, `\x1b`) || strings.Contains(out, `msg="`) {
		t.Fatalf("escape codes leaked into the quoted message: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "component=test") || strings.Contains(out, "level=") {
		t.Fatalf("unexpected record body: %q", out)
	}
}

func TestColorTextHandler_LinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "debug", Color: true})
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.WithGroup("req").Error("boom", "n", i)
		}()
	}
	wg.Wait()
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "\033[31mERROR\033[0m ") || !strings.Contains(line, "msg=boom req.n=") {
			t.Fatalf("interleaved or malformed line %q", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
