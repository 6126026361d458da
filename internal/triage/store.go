package triage

import (
	"context"
	"fmt"
	"time"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/autonomy"
	"mailpilot/internal/confidence"
	"mailpilot/internal/drafter"
	"mailpilot/internal/executor"
	"mailpilot/internal/model"
	"mailpilot/internal/notification"
	"mailpilot/internal/risk"
	"mailpilot/pkg/util"
)

// Store 分拣流程依赖的持久化操作
type Store interface {
	// LoadUser 返回用户上下文，凭证已解密
	LoadUser(ctx context.Context, userID int64) (*model.UserContext, error)
	ActivePolicies(ctx context.Context, userID int64) ([]model.Policy, error)
	// IngestMessage 幂等写入邮件，新线程时创建目标和会话；回填 ID / ConversationID。
	// 已存在时 created 为 false。
	IngestMessage(ctx context.Context, msg *model.Message) (created bool, err error)
	AdvanceCursor(ctx context.Context, userID int64, cursor string) error
	// MessagesAwaitingTriage 来信、尚无动作、目标未静音，按发送时间升序
	MessagesAwaitingTriage(ctx context.Context, userID int64, limit int) ([]model.Message, error)
	// ConversationHistory 同一会话中早于 before 的邮件，最新的在前
	ConversationHistory(ctx context.Context, conversationID int64, before time.Time, limit int) ([]model.Message, error)
	// SaveDecision 在一个事务中写入动作、更新目标状态并写入通知 outbox；回填 action.ID
	SaveDecision(ctx context.Context, action *model.AgentAction, status model.ObjectiveStatus, notify *notification.Event) error
	// GetAction 读取动作当前状态；自动执行前用于确认动作仍未解决
	GetAction(ctx context.Context, userID, actionID int64) (*model.AgentAction, error)
	// MarkExecuted 自动执行成功，动作以 approved 解决
	MarkExecuted(ctx context.Context, actionID int64, at time.Time) error
	// MarkEscalated 自动执行失败，动作转为 escalate 并通知用户
	MarkEscalated(ctx context.Context, action *model.AgentAction, note string, notify *notification.Event) error
	MarkReconnectRequired(ctx context.Context, userID int64, notify *notification.Event) error
}

// AttemptCounter 记录消息跨周期的处理失败次数
type AttemptCounter interface {
	Increment(ctx context.Context, messageID int64) (int64, error)
	Reset(ctx context.Context, messageID int64) error
}

// RedisAttempts 基于 Redis 计数器的 AttemptCounter
type RedisAttempts struct {
	counter *util.RetryCounter
}

func NewRedisAttempts(counter *util.RetryCounter) *RedisAttempts {
	return &RedisAttempts{counter: counter}
}

func (r *RedisAttempts) Increment(ctx context.Context, messageID int64) (int64, error) {
	n, err := r.counter.IncrementAndGet(ctx, util.FormatRetryKey("triage", messageID))
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for message %d: %w", messageID, err)
	}
	return n, nil
}

func (r *RedisAttempts) Reset(ctx context.Context, messageID int64) error {
	return r.counter.Reset(ctx, util.FormatRetryKey("triage", messageID))
}

// 各阶段组件，测试中可替换

type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.Input) (model.Analysis, error)
}

type Drafter interface {
	Draft(ctx context.Context, in drafter.Input) (model.Draft, error)
}

type RiskAssessor interface {
	Assess(ctx context.Context, in risk.Input) (model.RiskAssessment, error)
}

type Scorer interface {
	Score(ctx context.Context, in confidence.Input) int
}

type Gate interface {
	Decide(in autonomy.Input) model.GateDecision
}

type Executor interface {
	Execute(ctx context.Context, action *model.AgentAction, target executor.Target) (executor.Result, error)
}
