package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"
)

type webhookBody struct {
	Kind      string    `json:"kind"`
	UserID    int64     `json:"user_id"`
	ActionID  int64     `json:"action_id,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookChannel 以 JSON POST 到用户配置的 URL
type WebhookChannel struct {
	client *http.Client
	logger *zap.Logger
}

func NewWebhookChannel(timeout time.Duration, logger *zap.Logger) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{client: &http.Client{Timeout: timeout}, logger: logger}
}

func (c *WebhookChannel) Name() model.NotificationChannel { return model.ChannelWebhook }

func (c *WebhookChannel) Deliver(ctx context.Context, target model.NotificationTarget, ev Event) error {
	if target.WebhookURL == "" {
		return &DeliveryError{Channel: model.ChannelWebhook, Err: errors.New("webhook url is empty")}
	}

	payload, err := json.Marshal(webhookBody{
		Kind:      string(ev.Kind),
		UserID:    ev.UserID,
		ActionID:  ev.ActionID,
		Title:     ev.Title,
		Body:      ev.Body,
		Priority:  ev.Priority,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return &DeliveryError{Channel: model.ChannelWebhook, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Channel: model.ChannelWebhook, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mailpilot-Event", string(ev.Kind))
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: model.ChannelWebhook, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return &DeliveryError{
			Channel:   model.ChannelWebhook,
			Transient: transient,
			Err:       fmt.Errorf("webhook returned %d", resp.StatusCode),
		}
	}

	logger.WithTrace(ctx, c.logger).Debug("Webhook delivered", zap.Int("status", resp.StatusCode))
	return nil
}
