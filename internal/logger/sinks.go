package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SinkConfig describes where a child's stdout and stderr are appended.
// An empty path, "none" or os.DevNull discards that stream.
type SinkConfig struct {
	OutFile string `json:"out_file"`
	ErrFile string `json:"error_file"`
	Time    bool   `json:"time"` // prefix every line with a local timestamp
}

// Sinks holds the opened writers for one run of a child. A nil writer means
// the stream is discarded.
type Sinks struct {
	Out io.WriteCloser
	Err io.WriteCloser
}

// Open opens both sinks in append mode, creating parent directories.
// Existing content is never truncated, so a restart keeps earlier output.
func (c SinkConfig) Open() (*Sinks, error) {
	out, err := openSink(c.OutFile, c.Time)
	if err != nil {
		return nil, fmt.Errorf("open out_file: %w", err)
	}
	errW, err := openSink(c.ErrFile, c.Time)
	if err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, fmt.Errorf("open error_file: %w", err)
	}
	return &Sinks{Out: out, Err: errW}, nil
}

// Files lists the sink paths that are written to, skipping discarded streams.
func (c SinkConfig) Files() []string {
	var out []string
	for _, p := range []string{c.OutFile, c.ErrFile} {
		if !discarded(p) {
			out = append(out, p)
		}
	}
	return out
}

// WithInstance returns a copy whose file names carry the instance suffix
// before the extension: logs/out.log -> logs/out-2.log.
func (c SinkConfig) WithInstance(n int) SinkConfig {
	c.OutFile = suffixPath(c.OutFile, n)
	c.ErrFile = suffixPath(c.ErrFile, n)
	return c
}

// Close flushes and closes both sinks; it is safe on a nil receiver.
func (s *Sinks) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Out != nil {
		errs = append(errs, s.Out.Close())
		s.Out = nil
	}
	if s.Err != nil {
		errs = append(errs, s.Err.Close())
		s.Err = nil
	}
	return errors.Join(errs...)
}

func openSink(path string, stamp bool) (io.WriteCloser, error) {
	if discarded(path) {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- sink paths come from the operator's config file
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	if stamp {
		return NewTimestampWriter(f, time.Now), nil
	}
	return f, nil
}

func discarded(path string) bool {
	p := strings.TrimSpace(path)
	return p == "" || p == os.DevNull || strings.EqualFold(p, "none")
}

func suffixPath(path string, n int) string {
	if discarded(path) || n <= 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), n, ext)
}
