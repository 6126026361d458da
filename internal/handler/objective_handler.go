package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpilot/internal/model"
)

// ObjectiveStore 由 repository.Repository 实现
type ObjectiveStore interface {
	ListObjectives(ctx context.Context, userID int64, status model.ObjectiveStatus, limit, offset int) ([]model.Objective, error)
}

type ObjectiveHandler struct {
	store  ObjectiveStore
	logger *zap.Logger
}

func NewObjectiveHandler(store ObjectiveStore, logger *zap.Logger) *ObjectiveHandler {
	return &ObjectiveHandler{store: store, logger: logger}
}

type objectiveResponse struct {
	ID        int64                 `json:"id"`
	Title     string                `json:"title"`
	Status    model.ObjectiveStatus `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// List GET /objectives?status=waiting_on_you
func (h *ObjectiveHandler) List(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	var status model.ObjectiveStatus
	if s := c.Query("status"); s != "" {
		parsed, err := model.ParseObjectiveStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = parsed
	}
	limit, offset := page(c)

	objectives, err := h.store.ListObjectives(c.Request.Context(), uid, status, limit, offset)
	if err != nil {
		writeError(c, h.logger, "failed to list objectives", err)
		return
	}

	items := make([]objectiveResponse, 0, len(objectives))
	for _, o := range objectives {
		items = append(items, objectiveResponse{
			ID:        o.ID,
			Title:     o.Title,
			Status:    o.Status,
			CreatedAt: o.CreatedAt,
			UpdatedAt: o.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"objectives": items, "limit": limit, "offset": offset})
}
