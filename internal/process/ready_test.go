package process

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestWaitListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	if !WaitListening(context.Background(), ln.Addr().String(), time.Second) {
		t.Fatalf("expected listener to be detected")
	}
}

func TestWaitListening_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	start := time.Now()
	if WaitListening(context.Background(), addr, 300*time.Millisecond) {
		t.Fatalf("closed port reported as listening")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honored")
	}
	if WaitListening(context.Background(), "", time.Second) {
		t.Fatalf("empty address must not be ready")
	}
}
