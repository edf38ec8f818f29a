// Package opensearch indexes history events through the OpenSearch
// (or Elasticsearch) document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/tether/internal/history"
)

const (
	DefaultIndex = "tether-history"
	// MaxAttempts bounds retries of 429 and 5xx responses for one event.
	MaxAttempts = 3
)

type Config struct {
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink POSTs every event as one document to <URL>/<Index>/_doc.
type Sink struct {
	cfg    Config
	docURL string
	client *http.Client
}

func New(cfg Config) (*Sink, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		return nil, fmt.Errorf("opensearch: url required")
	}
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Sink{
		cfg:    cfg,
		docURL: cfg.URL + "/" + cfg.Index + "/_doc",
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *Sink) Name() string { return "opensearch" }

// document adds the @timestamp field dashboards sort on.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	history.Event
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{Timestamp: e.OccurredAt, Event: e})
	if err != nil {
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
	), MaxAttempts-1), ctx)
	return backoff.Retry(func() error { return s.post(ctx, body) }, b)
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("opensearch index %s: HTTP %d: %s", s.cfg.Index, resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}
