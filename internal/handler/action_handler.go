package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpilot/internal/model"
)

// ReviewService 由 review.Service 实现
type ReviewService interface {
	Pending(ctx context.Context, userID int64, limit, offset int) ([]model.AgentAction, error)
	Get(ctx context.Context, userID, actionID int64) (*model.AgentAction, error)
	Approve(ctx context.Context, userID, actionID int64) (*model.AgentAction, error)
	Edit(ctx context.Context, userID, actionID int64, edit model.ProposedContent, reason string) (*model.AgentAction, error)
	Reject(ctx context.Context, userID, actionID int64, reason string) (*model.AgentAction, error)
	Annotate(ctx context.Context, userID, actionID int64, note string) error
}

type ActionHandler struct {
	review ReviewService
	logger *zap.Logger
}

func NewActionHandler(review ReviewService, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{review: review, logger: logger}
}

type ActionResponse struct {
	ID              int64                  `json:"id"`
	ConversationID  int64                  `json:"conversation_id"`
	MessageID       int64                  `json:"message_id"`
	ObjectiveID     int64                  `json:"objective_id"`
	Type            model.ActionType       `json:"action_type"`
	Content         model.ProposedContent  `json:"proposed_content"`
	ConfidenceScore int                    `json:"confidence_score"`
	RiskLevel       model.RiskLevel        `json:"risk_level"`
	RiskFactors     []string               `json:"risk_factors"`
	PriorityScore   int                    `json:"priority_score"`
	Decision        model.Decision         `json:"decision"`
	Status          model.ActionStatus     `json:"status"`
	Reasoning       string                 `json:"reasoning"`
	PolicyMatches   []model.PolicyMatch    `json:"policy_matches"`
	UserEdit        *model.ProposedContent `json:"user_edit,omitempty"`
	OverrideReason  *string                `json:"override_reason,omitempty"`
	EscalationNote  *string                `json:"escalation_note,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ApprovedAt      *time.Time             `json:"approved_at,omitempty"`
}

func toActionResponse(a *model.AgentAction) ActionResponse {
	return ActionResponse{
		ID:              a.ID,
		ConversationID:  a.ConversationID,
		MessageID:       a.MessageID,
		ObjectiveID:     a.ObjectiveID,
		Type:            a.Type,
		Content:         a.Content,
		ConfidenceScore: a.ConfidenceScore,
		RiskLevel:       a.RiskLevel,
		RiskFactors:     a.RiskFactors,
		PriorityScore:   a.PriorityScore,
		Decision:        a.Decision,
		Status:          a.Status,
		Reasoning:       a.Reasoning,
		PolicyMatches:   a.PolicyMatches,
		UserEdit:        a.UserEdit,
		OverrideReason:  a.OverrideReason,
		EscalationNote:  a.EscalationNote,
		CreatedAt:       a.CreatedAt,
		ResolvedAt:      a.ResolvedAt,
		ApprovedAt:      a.ApprovedAt,
	}
}

// List GET /actions 待审核队列，按优先级排序
func (h *ActionHandler) List(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	limit, offset := page(c)

	actions, err := h.review.Pending(c.Request.Context(), uid, limit, offset)
	if err != nil {
		writeError(c, h.logger, "failed to list actions", err)
		return
	}

	items := make([]ActionResponse, 0, len(actions))
	for i := range actions {
		items = append(items, toActionResponse(&actions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"actions": items, "limit": limit, "offset": offset})
}

// Get GET /actions/:id
func (h *ActionHandler) Get(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	action, err := h.review.Get(c.Request.Context(), uid, id)
	if err != nil {
		writeError(c, h.logger, "failed to get action", err)
		return
	}
	c.JSON(http.StatusOK, toActionResponse(action))
}

// Approve POST /actions/:id/approve
func (h *ActionHandler) Approve(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	action, err := h.review.Approve(c.Request.Context(), uid, id)
	if err != nil {
		writeError(c, h.logger, "failed to approve action", err)
		return
	}
	c.JSON(http.StatusOK, toActionResponse(action))
}

// Reject POST /actions/:id/reject
func (h *ActionHandler) Reject(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	action, err := h.review.Reject(c.Request.Context(), uid, id, req.Reason)
	if err != nil {
		writeError(c, h.logger, "failed to reject action", err)
		return
	}
	c.JSON(http.StatusOK, toActionResponse(action))
}

// Edit POST /actions/:id/edit，未给出的字段沿用原稿
func (h *ActionHandler) Edit(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Body    string   `json:"body" binding:"required"`
		Reason  string   `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	edit := model.ProposedContent{To: req.To, Subject: req.Subject, Body: req.Body}
	action, err := h.review.Edit(c.Request.Context(), uid, id, edit, req.Reason)
	if err != nil {
		writeError(c, h.logger, "failed to edit action", err)
		return
	}
	c.JSON(http.StatusOK, toActionResponse(action))
}

// Annotate POST /actions/:id/annotate
func (h *ActionHandler) Annotate(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.review.Annotate(c.Request.Context(), uid, id, req.Note); err != nil {
		writeError(c, h.logger, "failed to annotate action", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "annotated", "action_id": id})
}
