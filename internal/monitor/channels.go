package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(ctx context.Context, alert *model.Alert) error
}

// LogChannel writes alerts to the log
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts")}
}

// Send logs the alert at a level matching its severity
func (c *LogChannel) Send(_ context.Context, alert *model.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("data", alert.Data),
	}
	switch alert.Severity {
	case model.AlertSeverityError, model.AlertSeverityCritical:
		c.logger.Error(alert.Message, fields...)
	case model.AlertSeverityWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// WebhookChannel posts alerts as JSON, retrying 5xx and transport errors
type WebhookChannel struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
}

// NewWebhookChannel creates a webhook channel for url
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxElapsed: 30 * time.Second,
	}
}

// Send posts the alert
func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.maxElapsed

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	return nil
}
