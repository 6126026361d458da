// Package handler HTTP 处理器
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpilot/internal/review"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/util"
)

// ContextUserID 鉴权中间件写入的用户 ID 键
const ContextUserID = "user_id"

func userID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return 0, false
	}
	id, ok := v.(int64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return 0, false
	}
	return id, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// page 解析 limit / offset，limit 默认 50，最大 200
func page(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, log *zap.Logger, msg string, err error) {
	var validation *review.ValidationError
	var unavailable *plan.FeatureUnavailableError
	switch {
	case errors.Is(err, review.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
		return
	case errors.Is(err, review.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "action already resolved"})
		return
	case errors.Is(err, review.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "action is being processed"})
		return
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Msg})
		return
	case errors.As(err, &unavailable):
		c.JSON(http.StatusForbidden, gin.H{"error": unavailable.Error()})
		return
	}

	kind := util.Classify(err)
	logger.WithTrace(c.Request.Context(), log).Error(msg,
		zap.String("error_type", string(kind)),
		zap.Error(err),
	)
	switch kind {
	case util.KindAuth:
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox must be reconnected"})
	case util.KindTransient:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg, "details": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "details": err.Error()})
	}
}
