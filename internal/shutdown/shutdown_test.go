package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

// fakeTarget exits on the signals listed in exitOn.
type fakeTarget struct {
	mu      sync.Mutex
	signals []syscall.Signal
	msgs    []string
	msgErr  error
	exitOn  map[syscall.Signal]bool
	exitMsg bool
	done    chan struct{}
	once    sync.Once
}

func newTarget(exitOn ...syscall.Signal) *fakeTarget {
	m := map[syscall.Signal]bool{syscall.SIGKILL: true}
	for _, s := range exitOn {
		m[s] = true
	}
	return &fakeTarget{exitOn: m, done: make(chan struct{})}
}

func (f *fakeTarget) exit() { f.once.Do(func() { close(f.done) }) }

func (f *fakeTarget) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
	if f.exitOn[sig] {
		f.exit()
	}
	return nil
}

func (f *fakeTarget) Message(msg string) error {
	if f.msgErr != nil {
		return f.msgErr
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	if f.exitMsg {
		f.exit()
	}
	return nil
}

func (f *fakeTarget) Done() <-chan struct{} { return f.done }

func (f *fakeTarget) sent() []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals...)
}

// manualTimer hands out a channel the test fires explicitly.
type manualTimer struct {
	mu   sync.Mutex
	d    time.Duration
	ch   chan time.Time
	armd chan struct{}
}

func newManualTimer() *manualTimer {
	return &manualTimer{ch: make(chan time.Time, 1), armd: make(chan struct{})}
}

func (m *manualTimer) after(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.d = d
	m.mu.Unlock()
	close(m.armd)
	return m.ch
}

func TestStop_GracefulExit(t *testing.T) {
	tg := newTarget(syscall.SIGTERM)
	err := Coordinator{Grace: time.Second}.Stop(context.Background(), tg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tg.sent(); len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Fatalf("signals %v", got)
	}
}

func TestStop_KillExactlyAtGrace(t *testing.T) {
	tg := newTarget() // ignores SIGTERM
	mt := newManualTimer()
	c := Coordinator{Grace: 5000 * time.Millisecond, After: mt.after}
	res := make(chan error, 1)
	go func() { res <- c.Stop(context.Background(), tg) }()

	<-mt.armd
	mt.mu.Lock()
	armed := mt.d
	mt.mu.Unlock()
	if armed != 5000*time.Millisecond {
		t.Fatalf("grace timer armed for %v, want 5s", armed)
	}
	time.Sleep(20 * time.Millisecond)
	if got := tg.sent(); len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Fatalf("kill sent before the grace period ended: %v", got)
	}
	mt.ch <- time.Now()
	select {
	case err := <-res:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Fatalf("expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the timer fired")
	}
	if got := tg.sent(); len(got) != 2 || got[1] != syscall.SIGKILL {
		t.Fatalf("signals %v", got)
	}
}

func TestStop_RealTimer(t *testing.T) {
	tg := newTarget()
	start := time.Now()
	err := Coordinator{Grace: 30 * time.Millisecond}.Stop(context.Background(), tg)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if el := time.Since(start); el < 30*time.Millisecond {
		t.Fatalf("killed after %v, before the grace period", el)
	}
}

func TestStop_HandshakeMessage(t *testing.T) {
	tg := newTarget()
	tg.exitMsg = true
	err := Coordinator{Grace: time.Second, Strategy: Handshake}.Stop(context.Background(), tg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tg.msgs) != 1 || tg.msgs[0] != Message {
		t.Fatalf("messages %v", tg.msgs)
	}
	if len(tg.sent()) != 0 {
		t.Fatalf("handshake exit must not need signals: %v", tg.sent())
	}
}

func TestStop_HandshakeFallsBackToSIGTERM(t *testing.T) {
	tg := newTarget(syscall.SIGTERM)
	tg.msgErr = errors.New("no stdin")
	err := Coordinator{Grace: time.Second, Strategy: Handshake}.Stop(context.Background(), tg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tg.sent(); len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Fatalf("signals %v", got)
	}
}

func TestStop_AlreadyExited(t *testing.T) {
	tg := newTarget()
	tg.exit()
	if err := (Coordinator{Grace: time.Hour}).Stop(context.Background(), tg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tg.sent()) != 0 {
		t.Fatalf("no signal expected for an exited target")
	}
}

func TestStop_CancelledContextKills(t *testing.T) {
	tg := newTarget()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Coordinator{Grace: time.Hour}.Stop(ctx, tg)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected forced kill on cancelled ctx, got %v", err)
	}
}

func TestStrategyString(t *testing.T) {
	if TimeoutOnly.String() != "timeout" || Handshake.String() != "handshake" {
		t.Fatalf("unexpected strategy names")
	}
}
