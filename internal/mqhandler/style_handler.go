package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/trace"
)

// StyleLearner 由 feedback.Learner 实现
type StyleLearner interface {
	Run(ctx context.Context, userID int64) (model.WritingStyleProfile, error)
}

type StyleLearnHandler struct {
	learner StyleLearner
	settler
	logger *zap.Logger
}

func NewStyleLearnHandler(learner StyleLearner, deduper Deduper, retries RetryCounter, logger *zap.Logger) *StyleLearnHandler {
	return &StyleLearnHandler{
		learner: learner,
		settler: settler{handler: "style_learn", deduper: deduper, retries: retries},
		logger:  logger,
	}
}

func (h *StyleLearnHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.StyleLearnRequestedPayload
	if err := decode(raw, &p, h.logger); err != nil {
		return err
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("user_id", p.UserID),
		zap.String("request_id", p.RequestID),
		zap.String("reason", p.Reason),
	)

	if !h.deduper.AcquireOnce(ctx, h.handler, p.RequestID) {
		return nil
	}

	profile, err := h.learner.Run(ctx, p.UserID)
	var unavailable *plan.FeatureUnavailableError
	switch {
	case err == nil:
		h.done(ctx, p.RequestID)
		log.Info("Style profile refreshed",
			zap.Int("sample_size", profile.SampleSize),
			zap.Int("edit_sample_size", profile.EditSampleSize),
		)
		return nil
	case errors.As(err, &unavailable):
		log.Info("Style learning not available on plan", zap.String("plan", string(unavailable.Tier)))
		return nil
	default:
		return h.settle(ctx, log, p.RequestID, err)
	}
}
