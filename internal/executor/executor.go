// Package executor 通过邮件服务商执行已批准或自动执行的动作，网络类错误按重试策略有界重试。
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/mailprovider"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/retry"
	"mailpilot/pkg/util"
)

// Target 执行动作所需的上下文
type Target struct {
	Credentials []byte
	UserEmail   string
	// 触发动作的来信
	Message model.Message
	// 来信的 Message-ID 头，用于回复串联
	InReplyTo string
}

// Result 执行结果
type Result struct {
	ProviderRef string
	Attempts    int
}

// Executor 动作执行器
type Executor struct {
	provider mailprovider.Provider
	policy   retry.Policy
	logger   *zap.Logger
}

func New(provider mailprovider.Provider, policy retry.Policy, logger *zap.Logger) *Executor {
	return &Executor{provider: provider, policy: policy, logger: logger}
}

// Execute 执行动作内容（用户编辑过时使用编辑后的内容）。
// 认证错误立即返回；重试耗尽返回 *retry.ExhaustedError。
func (e *Executor) Execute(ctx context.Context, action *model.AgentAction, target Target) (Result, error) {
	ctx, span := otel.StartSpan(ctx, "action.execute")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	log := logger.WithTrace(ctx, e.logger).With(
		zap.Int64("action_id", action.ID),
		zap.String("action_type", string(action.Type)),
	)

	var result Result
	policy := e.policy
	policy.OnRetry = func(attempt int, retryErr error, delay time.Duration) {
		log.Warn("Action execution failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(retryErr),
		)
	}

	err = policy.Do(ctx, func(ctx context.Context) error {
		result.Attempts++
		ref, runErr := e.run(ctx, action, target)
		if runErr == nil {
			result.ProviderRef = ref
		}
		return runErr
	})

	status := "success"
	if err != nil {
		status = string(util.Classify(err))
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			status = "exhausted"
		}
		log.Error("Action execution failed",
			zap.Int("attempts", result.Attempts),
			zap.String("status", status),
			zap.Error(err),
		)
	}
	metrics.IncrementActionExecution(string(action.Type), status)
	return result, err
}

func (e *Executor) run(ctx context.Context, action *model.AgentAction, target Target) (string, error) {
	content := action.EffectiveContent()

	switch action.Type {
	case model.ActionSend:
		ref, err := e.provider.Send(ctx, target.Credentials, outgoing(content, target))
		return ref.ID, err
	case model.ActionDraft, model.ActionSchedule:
		ref, err := e.provider.CreateDraft(ctx, target.Credentials, outgoing(content, target))
		return ref.ID, err
	case model.ActionFile:
		archiver, ok := e.provider.(mailprovider.Archiver)
		if !ok || target.Message.ProviderMessageID == "" {
			return "", nil
		}
		return target.Message.ProviderMessageID, archiver.Archive(ctx, target.Credentials, target.Message.ProviderMessageID)
	case model.ActionTriage:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func outgoing(content model.ProposedContent, target Target) mailprovider.OutgoingMessage {
	to := content.To
	if len(to) == 0 && target.Message.Sender != "" {
		to = []string{target.Message.SenderAddress()}
	}
	subject := content.Subject
	if subject == "" {
		subject = model.ReplySubject(target.Message.Subject)
	}
	threadID := content.ThreadID
	if threadID == "" {
		threadID = target.Message.ProviderThreadID
	}
	inReplyTo := content.InReplyTo
	if inReplyTo == "" {
		inReplyTo = target.InReplyTo
	}
	return mailprovider.OutgoingMessage{
		From:      target.UserEmail,
		To:        to,
		Subject:   subject,
		Body:      content.Body,
		ThreadID:  threadID,
		InReplyTo: inReplyTo,
	}
}
