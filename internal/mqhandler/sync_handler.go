package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/triage"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"
)

// UserSyncer 单用户同步，由 triage.Runner 实现
type UserSyncer interface {
	RunUser(ctx context.Context, userID int64) (triage.Report, error)
}

type SyncRequestedHandler struct {
	syncer UserSyncer
	settler
	logger *zap.Logger
}

func NewSyncRequestedHandler(syncer UserSyncer, deduper Deduper, retries RetryCounter, logger *zap.Logger) *SyncRequestedHandler {
	return &SyncRequestedHandler{
		syncer:  syncer,
		settler: settler{handler: "sync", deduper: deduper, retries: retries},
		logger:  logger,
	}
}

func (h *SyncRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.SyncRequestedPayload
	if err := decode(raw, &p, h.logger); err != nil {
		return err
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("user_id", p.UserID),
		zap.String("request_id", p.RequestID),
		zap.String("source", p.Source),
	)

	if !h.deduper.AcquireOnce(ctx, h.handler, p.RequestID) {
		return nil
	}

	log.Info("Handling sync.requested event")
	report, err := h.syncer.RunUser(ctx, p.UserID)
	switch {
	case err == nil:
		h.done(ctx, p.RequestID)
		log.Info("Sync request completed",
			zap.Int("processed", report.Processed),
			zap.Int("failed", report.Failed),
		)
		return nil
	case errors.Is(err, triage.ErrSyncInProgress):
		log.Info("Sync already in progress, dropping request")
		return nil
	case errors.Is(err, triage.ErrReconnectRequired):
		log.Warn("User must reconnect mailbox, dropping request")
		return nil
	default:
		return h.settle(ctx, log, p.RequestID, err)
	}
}
