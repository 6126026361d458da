package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/notification"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"
)

// NotificationSender 由 notification.Sender 实现
type NotificationSender interface {
	Send(ctx context.Context, ev notification.Event) error
}

type NotificationCreatedHandler struct {
	sender NotificationSender
	settler
	logger *zap.Logger
}

func NewNotificationCreatedHandler(sender NotificationSender, deduper Deduper, retries RetryCounter, logger *zap.Logger) *NotificationCreatedHandler {
	return &NotificationCreatedHandler{
		sender:  sender,
		settler: settler{handler: "notify", deduper: deduper, retries: retries},
		logger:  logger,
	}
}

func (h *NotificationCreatedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.NotificationCreatedPayload
	if err := decode(raw, &p, h.logger); err != nil {
		return err
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	id := fmt.Sprintf("%d:%s:%d:%d", p.UserID, p.Kind, p.ActionID, p.CreatedAt.UnixNano())
	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("user_id", p.UserID),
		zap.String("kind", p.Kind),
		zap.Int64("action_id", p.ActionID),
	)

	if !h.deduper.AcquireOnce(ctx, h.handler, id) {
		return nil
	}

	log.Info("Handling notification.created event")
	if err := h.sender.Send(ctx, notification.FromPayload(p)); err != nil {
		return h.settle(ctx, log, id, err)
	}
	h.done(ctx, id)
	return nil
}
