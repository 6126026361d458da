package model

import (
	"encoding/json"
	"time"
)

// ActionType 代理动作类型
type ActionType string

const (
	ActionDraft    ActionType = "draft"
	ActionSend     ActionType = "send"
	ActionFile     ActionType = "file"
	ActionSchedule ActionType = "schedule"
	ActionTriage   ActionType = "triage"
)

func ParseActionType(s string) (ActionType, error) {
	return parseEnum("action type", s, ActionDraft, ActionSend, ActionFile, ActionSchedule, ActionTriage)
}

// Irreversible 执行后无法撤回的动作
func (t ActionType) Irreversible() bool {
	return t == ActionSend
}

func (t *ActionType) UnmarshalText(b []byte) error {
	v, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ActionStatus 人工处理状态
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionEdited   ActionStatus = "edited"
)

func ParseActionStatus(s string) (ActionStatus, error) {
	return parseEnum("action status", s, ActionPending, ActionApproved, ActionRejected, ActionEdited)
}

// Decision 自治门控状态机：PendingDecision 是唯一的非终态
type Decision string

const (
	DecisionPending        Decision = "pending_decision"
	DecisionAutoExecute    Decision = "auto_execute"
	DecisionQueueForReview Decision = "queue_for_review"
	DecisionEscalate       Decision = "escalate"
)

func ParseDecision(s string) (Decision, error) {
	return parseEnum("decision", s, DecisionAutoExecute, DecisionQueueForReview, DecisionEscalate)
}

// Terminal 是否为终态
func (d Decision) Terminal() bool {
	return contains(d, DecisionAutoExecute, DecisionQueueForReview, DecisionEscalate)
}

// ProposedContent 动作的具体内容，按 ActionType 使用不同字段
type ProposedContent struct {
	To        []string `json:"to,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body,omitempty"`
	ThreadID  string   `json:"thread_id,omitempty"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
	Label     string   `json:"label,omitempty"`
	Summary   string   `json:"summary,omitempty"`
}

// AgentAction 针对一封来信的一个建议动作
type AgentAction struct {
	ID              int64
	ConversationID  int64
	MessageID       int64
	UserID          int64
	ObjectiveID     int64
	Type            ActionType
	Content         ProposedContent
	ConfidenceScore int
	RiskLevel       RiskLevel
	RiskFactors     []string
	PriorityScore   int
	Decision        Decision
	Status          ActionStatus
	Reasoning       string
	PolicyMatches   []PolicyMatch
	UserEdit        *ProposedContent
	OverrideReason  *string
	EscalationNote  *string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ApprovedAt      *time.Time
}

// Resolved 已被处理（执行、通过、拒绝或编辑）后除审计字段外不可修改
func (a *AgentAction) Resolved() bool {
	return a.ResolvedAt != nil
}

// EffectiveContent 用户编辑过则返回编辑内容
func (a *AgentAction) EffectiveContent() ProposedContent {
	if a.UserEdit != nil {
		return *a.UserEdit
	}
	return a.Content
}

// MarshalPolicyMatches 序列化策略匹配结果用于持久化
func (a *AgentAction) MarshalPolicyMatches() ([]byte, error) {
	if a.PolicyMatches == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.PolicyMatches)
}
