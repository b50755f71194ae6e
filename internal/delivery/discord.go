// Package delivery posts outbound messages to Discord webhooks.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/poolwatch/internal/activity"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/resilience/circuitbreaker"
	"github.com/austindbirch/poolwatch/internal/tracing"
)

// ErrNoWebhook is returned when no webhook URL is configured.
var ErrNoWebhook = errors.New("delivery: no webhook configured")

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	WebhookURL       string
	DevWebhookURL    string
	DefaultThumbnail string
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
}

// Sender posts embeds. It is safe for concurrent use.
type Sender struct {
	cfg     Config
	client  *http.Client
	limiter *RateLimiter
	breaker *circuitbreaker.CircuitBreaker
}

// NewSender builds a Sender; a nil client gets one with cfg.Timeout.
func NewSender(cfg Config, client *http.Client) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sender{
		cfg:     cfg,
		client:  client,
		limiter: NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
		breaker: circuitbreaker.New(circuitbreaker.WebhookConfig()),
	}
}

// WebhookFor picks the dev webhook for dev-only messages when one exists.
func (s *Sender) WebhookFor(m activity.Message) string {
	if m.OnlyDev && s.cfg.DevWebhookURL != "" {
		return s.cfg.DevWebhookURL
	}
	return s.cfg.WebhookURL
}

// Send posts m once, stamped with at. Any non-2xx answer is an *HTTPError.
func (s *Sender) Send(ctx context.Context, m activity.Message, at time.Time) error {
	url := s.WebhookFor(m)
	if url == "" {
		return ErrNoWebhook
	}
	body, err := json.Marshal(BuildPayload(m, s.cfg.DefaultThumbnail, at))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, url, body)
	})
	status := "delivered"
	if err != nil {
		status = "failed"
	}
	metrics.RecordDelivery(status, time.Since(start))
	return err
}

func (s *Sender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
}
