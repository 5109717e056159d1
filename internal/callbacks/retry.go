package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/EscrowBox/server/internal/circuitbreaker"
	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/httputil"
	"github.com/EscrowBox/server/internal/metrics"
	"github.com/rs/zerolog"
)

// RetryConfig holds callback retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum retry attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for callback retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryableClient posts escrow events with exponential backoff retry logic.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics // Prometheus metrics collector
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithRetryConfig sets custom retry configuration.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector for callback observability.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = m
	}
}

// WithBreakers routes deliveries through the callback circuit breaker.
func WithBreakers(breakers *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) {
		c.breakers = breakers
	}
}

// NewRetryableClient constructs a callback client with retry support.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) Notifier {
	if cfg.EscrowEventURL == "" {
		return NoopNotifier{}
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &RetryableClient{
		cfg:        cfg,
		retryCfg:   DefaultRetryConfig(),
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(), // No-op logger by default
	}

	if cfg.Retry.MaxAttempts > 0 {
		client.retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		client.retryCfg.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		client.retryCfg.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		client.retryCfg.Multiplier = cfg.Retry.Multiplier
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// EscrowCompleted dispatches the completion event asynchronously with retry logic.
// IMPORTANT: EventID is generated once and preserved across all retry attempts for idempotency.
func (c *RetryableClient) EscrowCompleted(ctx context.Context, event EscrowEvent) {
	c.dispatch(event, EventEscrowCompleted)
}

// EscrowCancelled dispatches the cancellation event asynchronously with retry logic.
func (c *RetryableClient) EscrowCancelled(ctx context.Context, event EscrowEvent) {
	c.dispatch(event, EventEscrowCancelled)
}

// EscrowRefunded dispatches the refund event asynchronously with retry logic.
func (c *RetryableClient) EscrowRefunded(ctx context.Context, event EscrowEvent) {
	c.dispatch(event, EventEscrowRefunded)
}

func (c *RetryableClient) dispatch(event EscrowEvent, eventType string) {
	if c == nil || c.cfg.EscrowEventURL == "" {
		return
	}

	// Prepare idempotency fields BEFORE serialization so the same EventID
	// is used for all retry attempts.
	PrepareEscrowEvent(&event, eventType)

	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			c.logger.Error().Err(err).Msg("callbacks: failed to serialize escrow event")
			return
		}

		if err := c.sendWithRetry(context.Background(), payload, event.EventType); err != nil {
			c.logger.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("transaction_id", event.TransactionID).
				Msg("callbacks: escrow event callback failed after all retries")
		}
	}()
}

// sendWithRetry attempts to send the callback with exponential backoff.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, eventType string) error {
	var lastErr error
	interval := c.retryCfg.InitialInterval
	startTime := time.Now()

	// If retries are disabled, only attempt once
	if !c.cfg.Retry.Enabled {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		err := c.sendHTTP(reqCtx, payload)
		cancel()
		if c.metrics != nil {
			status := "success"
			if err != nil {
				status = "failed"
			}
			c.metrics.ObserveCallback(eventType, status, time.Since(startTime), 1)
		}
		return err
	}

	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		err := c.sendHTTP(reqCtx, payload)
		cancel()

		if err == nil {
			if c.metrics != nil {
				c.metrics.ObserveCallback(eventType, "success", time.Since(startTime), attempt)
			}

			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("eventType", eventType).
					Msg("callbacks: delivery succeeded after retry")
			}
			return nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("maxAttempts", c.retryCfg.MaxAttempts).
			Str("eventType", eventType).
			Dur("nextRetry", interval).
			Msg("callbacks: delivery attempt failed")

		// Don't sleep after the last attempt
		if attempt < c.retryCfg.MaxAttempts {
			time.Sleep(interval)
			// Exponential backoff with max cap
			interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
			if interval > c.retryCfg.MaxInterval {
				interval = c.retryCfg.MaxInterval
			}
		}
	}

	// Record failed callback (after all retries exhausted)
	if c.metrics != nil {
		c.metrics.ObserveCallback(eventType, "failed", time.Since(startTime), c.retryCfg.MaxAttempts)
	}

	return fmt.Errorf("callback failed after %d attempts: %w", c.retryCfg.MaxAttempts, lastErr)
}

// sendHTTP performs the actual HTTP request, through the circuit breaker if configured.
func (c *RetryableClient) sendHTTP(ctx context.Context, payload []byte) error {
	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EscrowEventURL, strings.NewReader(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		contentType := c.cfg.Headers["Content-Type"]
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)

		for k, v := range c.cfg.Headers {
			if k == "" {
				continue
			}
			if strings.EqualFold(k, "content-type") {
				continue
			}
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("received status %d from %s", resp.StatusCode, c.cfg.EscrowEventURL)
		}
		return nil, nil
	}

	if c.breakers != nil {
		_, err := c.breakers.Execute(circuitbreaker.ServiceCallback, do)
		return err
	}
	_, err := do()
	return err
}
