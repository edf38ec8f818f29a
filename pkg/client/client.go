// Package client talks to a running tether daemon over its control API.
package client

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL matches the daemon's default [server] section.
const DefaultBaseURL = "http://127.0.0.1:9070/api"

var (
	// ErrNotFound is returned when the daemon knows no app or instance by that name.
	ErrNotFound = errors.New("process not found")
	// ErrUnavailable is returned while the daemon is shutting down.
	ErrUnavailable = errors.New("daemon unavailable")
)

// APIError carries a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

// Client calls the control API of one daemon. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// CACert is a PEM bundle verifying an https daemon, typically behind a
	// TLS-terminating proxy. Insecure disables verification instead.
	CACert   string
	Insecure bool
}

const defaultTimeout = 30 * time.Second

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: defaultTimeout}
}

func New(cfg Config) (*Client, error) {
	c := &Client{
		base: strings.TrimRight(cmp.Or(cfg.BaseURL, DefaultBaseURL), "/"),
		log:  cmp.Or(cfg.Logger, slog.Default()),
		http: &http.Client{Timeout: cmp.Or(cfg.Timeout, defaultTimeout)},
	}
	tc, err := tlsConfig(cfg.CACert, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		c.http.Transport = &http.Transport{TLSClientConfig: tc}
	}
	return c, nil
}

// IsReachable reports whether the daemon answers a status request.
func (c *Client) IsReachable(ctx context.Context) bool {
	if _, err := c.StatusAll(ctx); err != nil {
		c.log.Debug("daemon unreachable", "url", c.base, "error", err)
		return false
	}
	return true
}

// StatusAll lists every instance in registration order.
func (c *Client) StatusAll(ctx context.Context) ([]ProcessStatus, error) {
	return c.Status(ctx, "")
}

// Status lists the instances of an app, or the single instance when name
// is an instance name such as "web-2". An empty name lists everything.
func (c *Client) Status(ctx context.Context, name string) ([]ProcessStatus, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	var out []ProcessStatus
	if err := c.do(ctx, http.MethodGet, "/status", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start starts a stopped app or instance. Running instances are left alone.
func (c *Client) Start(ctx context.Context, name string) error {
	c.log.Debug("starting", "name", name)
	return c.do(ctx, http.MethodPost, "/start", url.Values{"name": {name}}, nil)
}

// Restart stops and starts an app or instance.
func (c *Client) Restart(ctx context.Context, name string) error {
	c.log.Debug("restarting", "name", name)
	return c.do(ctx, http.MethodPost, "/restart", url.Values{"name": {name}}, nil)
}

// Stop asks the daemon to stop name and waits up to wait for it to exit.
// A zero wait uses the daemon's default.
func (c *Client) Stop(ctx context.Context, name string, wait time.Duration) (StopResult, error) {
	c.log.Debug("stopping", "name", name, "wait", wait)
	q := url.Values{"name": {name}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/stop", q, &res)
	return res, err
}

// tlsConfig returns nil when neither option is set.
func tlsConfig(caFile string, insecure bool) (*tls.Config, error) {
	switch {
	case insecure:
		return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, nil // #nosec G402
	case caFile == "":
		return nil, nil
	}
	pem, err := os.ReadFile(caFile) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	var body ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&body) == nil {
		e.Message = body.Error
	}
	c.log.Debug("API request failed", "status", e.Status, "error", e.Message)
	return e
}
