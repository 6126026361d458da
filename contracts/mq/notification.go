package mq

import "time"

// NotificationCreatedPayload 由 outbox 发布，worker 投递到用户配置的渠道
type NotificationCreatedPayload struct {
	UserID      int64     `json:"user_id"`
	Kind        string    `json:"kind"` // action_required / escalation / execution_failed / reconnect_required
	ActionID    int64     `json:"action_id,omitempty"`
	ObjectiveID int64     `json:"objective_id,omitempty"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Priority    int       `json:"priority,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
