package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/pkg/logger"
)

// SyncRequester 由 requests.Requester 实现
type SyncRequester interface {
	RequestSync(ctx context.Context, userID int64, source string) (string, error)
}

type SyncHandler struct {
	requester SyncRequester
	logger    *zap.Logger
}

func NewSyncHandler(requester SyncRequester, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{requester: requester, logger: logger}
}

// Trigger POST /sync 异步触发一次同步
func (h *SyncHandler) Trigger(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	requestID, err := h.requester.RequestSync(c.Request.Context(), uid, mqcontracts.SyncSourceAPI)
	if err != nil {
		writeError(c, h.logger, "failed to request sync", err)
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Sync requested",
		zap.Int64("user_id", uid),
		zap.String("request_id", requestID),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "request_id": requestID})
}
