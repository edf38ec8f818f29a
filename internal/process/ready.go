package process

import (
	"context"
	"net"
	"time"
)

const readyPollInterval = 100 * time.Millisecond

// WaitListening polls addr with TCP connects until one succeeds, timeout
// elapses or ctx is cancelled. It reports whether the address accepted a
// connection.
func WaitListening(ctx context.Context, addr string, timeout time.Duration) bool {
	if addr == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	t := time.NewTicker(readyPollInterval)
	defer t.Stop()
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
