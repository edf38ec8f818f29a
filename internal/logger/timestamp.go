package logger

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// TimeFormat is the line prefix layout used when a sink has time enabled.
const TimeFormat = "2006-01-02T15:04:05"

// TimestampWriter prefixes each line with the time its first byte arrived.
// Writes may split lines arbitrarily; a prefix is emitted once per line.
type TimestampWriter struct {
	mu      sync.Mutex
	w       io.WriteCloser
	now     func() time.Time
	midLine bool
	buf     bytes.Buffer
}

func NewTimestampWriter(w io.WriteCloser, now func() time.Time) *TimestampWriter {
	if now == nil {
		now = time.Now
	}
	return &TimestampWriter{w: w, now: now}
}

func (t *TimestampWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Reset()
	rest := p
	for len(rest) > 0 {
		if !t.midLine {
			t.buf.WriteString(t.now().Format(TimeFormat))
			t.buf.WriteString(": ")
			t.midLine = true
		}
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			t.buf.Write(rest)
			break
		}
		t.buf.Write(rest[:i+1])
		rest = rest[i+1:]
		t.midLine = false
	}
	if _, err := t.w.Write(t.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close terminates a dangling partial line and closes the underlying sink.
func (t *TimestampWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.midLine {
		_, _ = t.w.Write([]byte{'\n'})
		t.midLine = false
	}
	return t.w.Close()
}
