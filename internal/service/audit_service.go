package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/spec-kit/token-vending-machine/internal/config"
	"github.com/spec-kit/token-vending-machine/internal/events"
)

// AuditService records token lifecycle events and forwards them to an
// optional webhook.
type AuditService struct {
	logger     *zap.Logger
	webhookURL string
	http       *retryablehttp.Client
}

// AuditOption customises the webhook client.
type AuditOption func(*retryablehttp.Client)

// WithAuditTransport overrides the HTTP transport used for webhook delivery.
func WithAuditTransport(transport http.RoundTripper) AuditOption {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Transport = transport
	}
}

// WithAuditRetry overrides the retry policy used for webhook delivery.
func WithAuditRetry(max int, waitMin, waitMax time.Duration) AuditOption {
	return func(c *retryablehttp.Client) {
		c.RetryMax = max
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMax
	}
}

// NewAuditService creates the service.
func NewAuditService(logger *zap.Logger, cfg config.AuditConfig, opts ...AuditOption) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &retryablehttp.Client{
		Backoff:      retryablehttp.DefaultBackoff,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		HTTPClient:   &http.Client{Transport: http.DefaultTransport, Timeout: 10 * time.Second},
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		RetryMax:     3,
	}
	for _, opt := range opts {
		opt(client)
	}

	return &AuditService{
		logger:     logger,
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		http:       client,
	}
}

// Record logs event and delivers it to the webhook when one is configured.
func (a *AuditService) Record(ctx context.Context, event events.Event) error {
	a.logger.Info("audit",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("actor_id", event.ActorID),
		zap.Any("payload", event.Payload),
	)

	if a.webhookURL == "" {
		return nil
	}
	return a.sendWebhook(ctx, event)
}

func (a *AuditService) sendWebhook(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "token-vending-machine")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver audit event %s: %w", event.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("deliver audit event %s: webhook responded %s", event.ID, resp.Status)
	}

	a.logger.Debug("audit event delivered",
		zap.String("event_id", event.ID),
		zap.Int("status", resp.StatusCode))
	return nil
}
