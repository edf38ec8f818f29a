package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer runs an http.Handler on one address until its context ends.
// It implements the Serve(ctx) error / String() shape of a suture service.
type HTTPServer struct {
	name   string
	addr   string
	srv    *http.Server
	log    *slog.Logger
	bound  chan string
}

func newHTTPServer(name, addr string, h http.Handler, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{
		name: name,
		addr: addr,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// stop?wait= may block up to the requested wait
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:   log.With("component", name),
		bound: make(chan string, 1),
	}
}

// NewAPIServer serves the control API router on addr.
func NewAPIServer(addr, basePath string, sup Supervisor, log *slog.Logger) *HTTPServer {
	return newHTTPServer("api-server", addr, NewRouter(sup, basePath).Handler(), log)
}

// Addr blocks until the listener is bound and returns its address.
func (s *HTTPServer) Addr(ctx context.Context) (string, error) {
	select {
	case a := <-s.bound:
		s.bound <- a
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *HTTPServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", s.name, s.addr, err)
	}
	select {
	case s.bound <- ln.Addr().String():
	default:
	}
	s.log.Info("listening", "addr", ln.Addr().String())

	errC := make(chan error, 1)
	go func() { errC <- s.srv.Serve(ln) }()
	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		_ = s.srv.Close()
	}
	<-errC
	return ctx.Err()
}

func (s *HTTPServer) String() string { return s.name }
