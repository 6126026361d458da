// Package notification 定义用户通知事件，并负责把 outbox 发布的事件投递到 Telegram / webhook / 日志。
package notification

import (
	"fmt"
	"strings"
	"time"

	"mailpilot/contracts/mq"
	"mailpilot/internal/model"
)

// Kind 通知类型
type Kind string

const (
	KindActionRequired    Kind = "action_required"
	KindEscalation        Kind = "escalation"
	KindExecutionFailed   Kind = "execution_failed"
	KindReconnectRequired Kind = "reconnect_required"
)

// Event 一条待投递的通知。ActionID / ObjectiveID 在持久化时回填。
type Event struct {
	UserID      int64
	Kind        Kind
	ActionID    int64
	ObjectiveID int64
	Title       string
	Body        string
	Priority    int
	CreatedAt   time.Time
}

// Payload 转换为 MQ payload
func (e Event) Payload(traceID string) mq.NotificationCreatedPayload {
	return mq.NotificationCreatedPayload{
		UserID:      e.UserID,
		Kind:        string(e.Kind),
		ActionID:    e.ActionID,
		ObjectiveID: e.ObjectiveID,
		Title:       e.Title,
		Body:        e.Body,
		Priority:    e.Priority,
		TraceID:     traceID,
		CreatedAt:   e.CreatedAt,
	}
}

// FromPayload 由 MQ payload 还原事件
func FromPayload(p mq.NotificationCreatedPayload) Event {
	return Event{
		UserID:      p.UserID,
		Kind:        Kind(p.Kind),
		ActionID:    p.ActionID,
		ObjectiveID: p.ObjectiveID,
		Title:       p.Title,
		Body:        p.Body,
		Priority:    p.Priority,
		CreatedAt:   p.CreatedAt,
	}
}

// ForDecision 为排队或升级的动作生成通知；自动执行的动作不通知
func ForDecision(action *model.AgentAction, msg model.Message, at time.Time) *Event {
	var kind Kind
	switch action.Decision {
	case model.DecisionQueueForReview:
		kind = KindActionRequired
	case model.DecisionEscalate:
		kind = KindEscalation
	default:
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	fmt.Fprintf(&b, "Proposed: %s (confidence %d, risk %s)\n", action.Type, action.ConfidenceScore, action.RiskLevel)
	if len(action.RiskFactors) > 0 {
		fmt.Fprintf(&b, "Risk factors: %s\n", strings.Join(action.RiskFactors, "; "))
	}
	if action.Reasoning != "" {
		fmt.Fprintf(&b, "Why: %s\n", action.Reasoning)
	}
	if action.Content.Body != "" {
		fmt.Fprintf(&b, "\n%s", preview(action.Content.Body, 600))
	}

	return &Event{
		UserID:    action.UserID,
		Kind:      kind,
		Title:     titleFor(kind, msg.Subject),
		Body:      strings.TrimRight(b.String(), "\n"),
		Priority:  action.PriorityScore,
		CreatedAt: at,
	}
}

// ExecutionFailed 自动执行重试耗尽，动作转为升级
func ExecutionFailed(action *model.AgentAction, subject string, cause error, at time.Time) *Event {
	return &Event{
		UserID:    action.UserID,
		Kind:      KindExecutionFailed,
		ActionID:  action.ID,
		Title:     titleFor(KindExecutionFailed, subject),
		Body:      fmt.Sprintf("Could not %s automatically: %v. The action now needs your review.", action.Type, cause),
		Priority:  action.PriorityScore,
		CreatedAt: at,
	}
}

// ReconnectRequired 邮箱授权失效
func ReconnectRequired(userID int64, provider string, at time.Time) *Event {
	return &Event{
		UserID:    userID,
		Kind:      KindReconnectRequired,
		Title:     "Mailbox disconnected",
		Body:      fmt.Sprintf("Access to your %s mailbox was revoked or expired. Reconnect it to resume triage.", provider),
		Priority:  100,
		CreatedAt: at,
	}
}

func titleFor(kind Kind, subject string) string {
	if subject == "" {
		subject = "(no subject)"
	}
	switch kind {
	case KindEscalation:
		return "Escalated: " + subject
	case KindExecutionFailed:
		return "Action failed: " + subject
	default:
		return "Review needed: " + subject
	}
}

func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
