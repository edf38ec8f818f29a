// Package monitor samples the resident memory of running children.
package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resident memory reading.
type Sample struct {
	At  time.Time
	RSS uint64
}

// Sampler reads the resident set size of pid.
type Sampler interface {
	RSS(ctx context.Context, pid int) (uint64, error)
}

// ProcSampler reads RSS through gopsutil.
type ProcSampler struct{}

func (ProcSampler) RSS(ctx context.Context, pid int) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// Exceeds reports whether rss is strictly above a non-zero threshold.
func Exceeds(rss, threshold uint64) bool {
	return threshold > 0 && rss > threshold
}

// Monitor polls one pid on a fixed interval.
type Monitor struct {
	Sampler   Sampler
	Interval  time.Duration
	Threshold uint64       // bytes; 0 only reports samples
	OnSample  func(Sample) // optional, called from the polling goroutine
}

// Watch starts polling pid in a new goroutine and returns a channel that
// receives the first sample over Threshold. Polling ends after a breach or
// when ctx is done. Failed samples (e.g. the process already exited) are
// skipped silently.
func (m Monitor) Watch(ctx context.Context, pid int) <-chan Sample {
	breach := make(chan Sample, 1)
	s := m.Sampler
	if s == nil {
		s = ProcSampler{}
	}
	iv := m.Interval
	if iv <= 0 {
		iv = 5 * time.Second
	}
	go func() {
		t := time.NewTicker(iv)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				rss, err := s.RSS(ctx, pid)
				if err != nil {
					continue
				}
				sm := Sample{At: now, RSS: rss}
				if m.OnSample != nil {
					m.OnSample(sm)
				}
				if Exceeds(rss, m.Threshold) {
					breach <- sm
					return
				}
			}
		}
	}()
	return breach
}
