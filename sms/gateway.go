package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRejected means the gateway refused the message (bad number, policy).
	ErrRejected = errors.New("sms rejected")
	// ErrUnavailable means the gateway could not be reached or failed.
	ErrUnavailable = errors.New("sms gateway unavailable")
)

// Gateway sends a text message to an E.164 phone number.
type Gateway interface {
	Send(ctx context.Context, phone, message string) error
}

// HTTPGatewayConfig configures [HTTPGateway].
type HTTPGatewayConfig struct {
	Endpoint string
	APIKey   string
	Sender   string
	Timeout  time.Duration

	// RatePerSecond caps outbound requests; Burst allows short spikes.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client
}

// HTTPGateway posts messages as JSON to a provider endpoint.
type HTTPGateway struct {
	endpoint string
	apiKey   string
	sender   string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
}

type sendRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// NewHTTPGateway validates cfg and builds the gateway.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sms endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		sender:   cfg.Sender,
		timeout:  cfg.Timeout,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

// Send waits for a pacing slot, then posts the message. The whole call,
// including the wait, is bounded by the configured timeout.
func (g *HTTPGateway) Send(ctx context.Context, phone, message string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	body, err := json.Marshal(sendRequest{From: g.sender, To: phone, Body: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// LogGateway writes messages to a logger instead of sending them. Use it
// only in development: the log contains the code.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Send(ctx context.Context, phone, message string) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "sms not sent, development gateway",
		slog.String("component", "sms"),
		slog.String("phone", phone),
		slog.String("message", message),
	)
	return nil
}
