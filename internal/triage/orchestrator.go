// Package triage 编排一次用户同步：增量拉取邮件、幂等入库，然后逐封执行
// 分析 → 风险 → 策略 → 起草 → 置信度 → 门控 → 持久化 → 执行。
// 单封邮件失败不影响同批其他邮件；授权失效只停止该用户。
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/autonomy"
	"mailpilot/internal/confidence"
	"mailpilot/internal/drafter"
	"mailpilot/internal/executor"
	"mailpilot/internal/mailprovider"
	"mailpilot/internal/model"
	"mailpilot/internal/notification"
	"mailpilot/internal/policy"
	"mailpilot/internal/risk"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/retry"
	"mailpilot/pkg/util"
)

// ErrReconnectRequired 邮箱授权失效，该用户的同步已停止，等待重新授权
var ErrReconnectRequired = errors.New("mailbox reconnect required")

// Config 分拣配置
type Config struct {
	ContextWindow      int           `yaml:"context_window"`
	BatchLimit         int           `yaml:"batch_limit"`
	MaxMessageAttempts int64         `yaml:"max_message_attempts"`
	MessageTimeout     time.Duration `yaml:"message_timeout"`
	// 服务商列表 / 获取的重试策略
	Retry retry.Policy `yaml:"retry"`
}

// Components 流水线各阶段
type Components struct {
	Analyzer Analyzer
	Drafter  Drafter
	Risk     RiskAssessor
	Matcher  *policy.Matcher
	Scorer   Scorer
	Gate     Gate
	Executor Executor
}

// Orchestrator 分拣编排器。同一用户的调用由 Runner 串行化，不同用户可以并发。
type Orchestrator struct {
	store    Store
	provider mailprovider.Provider
	c        Components
	attempts AttemptCounter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	// 与审核服务共用的按动作互斥锁
	actionLock Locker
}

func NewOrchestrator(store Store, provider mailprovider.Provider, c Components, attempts AttemptCounter, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = analyzer.DefaultContextWindow
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.MaxMessageAttempts <= 0 {
		cfg.MaxMessageAttempts = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		c:        c,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithActionLock 自动执行期间持有动作锁，避免与人工审核重复执行同一动作
func (o *Orchestrator) WithActionLock(l Locker) *Orchestrator {
	o.actionLock = l
	return o
}

// SyncUser 同步并分拣一个用户的邮箱。
// 返回 ErrReconnectRequired 表示授权失效；单封邮件的失败只计入 Report。
func (o *Orchestrator) SyncUser(ctx context.Context, userID int64) (report Report, err error) {
	ctx, span := otel.StartSpan(ctx, "triage.sync_user")
	start := time.Now()
	report.UserID = userID
	defer func() {
		status := "success"
		switch {
		case errors.Is(err, ErrReconnectRequired):
			status = "reconnect_required"
		case err != nil:
			status = "error"
		}
		metrics.RecordSyncDuration(status, time.Since(start))
		otel.EndSpan(span, err)
	}()

	log := logger.WithTrace(ctx, o.logger).With(zap.Int64("user_id", userID))

	user, err := o.store.LoadUser(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if user.ReconnectRequired {
		log.Info("Skipping sync, mailbox needs to be reconnected")
		return report, ErrReconnectRequired
	}

	policies, err := o.store.ActivePolicies(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("failed to load policies: %w", err)
	}

	if err = o.ingest(ctx, user, &report); err != nil {
		return report, err
	}

	pending, err := o.store.MessagesAwaitingTriage(ctx, userID, o.cfg.BatchLimit)
	if err != nil {
		return report, fmt.Errorf("failed to load messages awaiting triage: %w", err)
	}

	err = o.triage(ctx, user, policies, pending, &report)

	log.Info("Sync finished",
		zap.Int("listed", report.Listed),
		zap.Int("ingested", report.Ingested),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("auto_executed", report.AutoExecuted),
		zap.Int("queued", report.Queued),
		zap.Int("escalated", report.Escalated),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	return report, err
}

func (o *Orchestrator) ingest(ctx context.Context, user *model.UserContext, report *Report) error {
	ctx, span := otel.StartSpan(ctx, "triage.ingest")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	log := logger.WithTrace(ctx, o.logger).With(zap.Int64("user_id", user.ID))

	var list mailprovider.ListResult
	err = o.withRetry(ctx, "list_messages", func(ctx context.Context) error {
		var listErr error
		list, listErr = o.provider.ListMessages(ctx, user.Credentials, "", user.SyncCursor)
		return listErr
	})
	if err != nil {
		if util.Classify(err) == util.KindAuth {
			err = o.reconnect(ctx, user, err)
			return err
		}
		err = fmt.Errorf("failed to list messages: %w", err)
		return err
	}
	report.Listed = len(list.Refs)

	complete := true
	for _, ref := range list.Refs {
		if err = ctx.Err(); err != nil {
			return err
		}

		var raw mailprovider.RawMessage
		getErr := o.withRetry(ctx, "get_message", func(ctx context.Context) error {
			var e error
			raw, e = o.provider.GetMessage(ctx, user.Credentials, ref.ID)
			return e
		})
		if getErr != nil {
			switch util.Classify(getErr) {
			case util.KindAuth:
				err = o.reconnect(ctx, user, getErr)
				return err
			case util.KindNotFound:
				// 列表与获取之间被删除
				log.Info("Message disappeared before fetch", zap.String("provider_message_id", ref.ID))
				continue
			}
			complete = false
			log.Warn("Failed to fetch message",
				zap.String("provider_message_id", ref.ID),
				zap.String("error_type", string(util.Classify(getErr))),
				zap.Error(getErr),
			)
			continue
		}

		msg := toMessage(user, raw)
		created, ingestErr := o.store.IngestMessage(ctx, &msg)
		if ingestErr != nil {
			complete = false
			log.Warn("Failed to ingest message",
				zap.String("provider_message_id", ref.ID),
				zap.Error(ingestErr),
			)
			continue
		}
		if created {
			report.Ingested++
		} else {
			report.Duplicates++
		}
	}

	if !complete {
		log.Warn("Keeping sync cursor, some messages were not ingested", zap.String("cursor", user.SyncCursor))
		return nil
	}
	if list.NextCursor != "" && list.NextCursor != user.SyncCursor {
		if err = o.store.AdvanceCursor(ctx, user.ID, list.NextCursor); err != nil {
			err = fmt.Errorf("failed to advance sync cursor: %w", err)
			return err
		}
		user.SyncCursor = list.NextCursor
		report.CursorAdvanced = true
	}
	return nil
}

func (o *Orchestrator) triage(ctx context.Context, user *model.UserContext, policies []model.Policy, msgs []model.Message, report *Report) error {
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := o.processMessage(ctx, user, policies, msg)
		if err != nil {
			if errors.Is(err, ErrReconnectRequired) {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			report.Failed++
			metrics.IncrementMessageProcessed("failed")
			logger.WithTrace(ctx, o.logger).Warn("Message triage failed",
				zap.Int64("user_id", user.ID),
				zap.Int64("message_id", msg.ID),
				zap.String("error_type", string(util.Classify(err))),
				zap.Error(err),
			)
			if o.recordFailure(ctx, user, msg, err) {
				report.ManualQueued++
			}
			continue
		}

		report.record(outcome)
		metrics.IncrementMessageProcessed("success")
		if outcome.ReconnectRequired {
			return ErrReconnectRequired
		}
	}
	return nil
}

func (o *Orchestrator) processMessage(ctx context.Context, user *model.UserContext, policies []model.Policy, msg model.Message) (Outcome, error) {
	ctx, span := otel.StartSpan(ctx, "triage.message")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	if o.cfg.MessageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.MessageTimeout)
		defer cancel()
	}

	log := logger.WithTrace(ctx, o.logger).With(
		zap.Int64("user_id", user.ID),
		zap.Int64("message_id", msg.ID),
	)

	history, err := o.store.ConversationHistory(ctx, msg.ConversationID, msg.SentAt, o.cfg.ContextWindow)
	if err != nil {
		err = fmt.Errorf("failed to load conversation history: %w", err)
		return Outcome{}, err
	}

	analysis, err := o.c.Analyzer.Analyze(ctx, analyzer.Input{
		Message:   msg,
		Context:   history,
		UserEmail: user.Email,
		UserName:  user.DisplayName,
	})
	if err != nil {
		return Outcome{}, err
	}

	assessment, riskErr := o.c.Risk.Assess(ctx, risk.Input{
		Message:   msg,
		Analysis:  analysis,
		Policies:  policies,
		Context:   history,
		UserEmail: user.Email,
	})
	if riskErr != nil {
		log.Warn("Risk assessment failed, treating message as high risk", zap.Error(riskErr))
		if assessment.Level != model.RiskHigh {
			assessment.Level = model.RiskHigh
			assessment.Factors = append(assessment.Factors, "risk assessment unavailable")
		}
	}

	matches := o.c.Matcher.Match(msg, analysis, policies)
	effects := policy.Summarize(matches)

	actionType, draft, err := o.propose(ctx, user, msg, history, analysis, effects)
	if err != nil {
		return Outcome{}, err
	}

	score := o.c.Scorer.Score(ctx, confidence.Input{
		Message:        msg,
		Analysis:       analysis,
		Draft:          draft,
		Context:        history,
		AcceptanceRate: user.AcceptanceRate,
	})

	forceReview := effects.ForceReview
	reasons := effects.Reasons
	if actionType.Irreversible() && !user.Plan.Has(plan.FeatureAutoSend) {
		forceReview = true
		reasons = append(reasons, fmt.Sprintf("%s plan does not include auto-send", user.Plan))
	}

	gd := o.c.Gate.Decide(autonomy.Input{
		Risk:        assessment.Level,
		Confidence:  score,
		Autonomy:    user.EffectiveAutonomy(),
		ActionType:  actionType,
		ForceReview: forceReview,
		Escalate:    effects.Escalate,
	})

	now := o.now()
	action := &model.AgentAction{
		ConversationID:  msg.ConversationID,
		MessageID:       msg.ID,
		UserID:          user.ID,
		Type:            actionType,
		Content:         proposedContent(msg, analysis, actionType, draft),
		ConfidenceScore: score,
		RiskLevel:       assessment.Level,
		RiskFactors:     assessment.Factors,
		PriorityScore:   Priority(analysis, effects),
		Decision:        gd.Decision,
		Status:          model.ActionPending,
		Reasoning:       reasoning(analysis, draft, gd, reasons),
		PolicyMatches:   matches,
		CreatedAt:       now,
	}
	if gd.Decision == model.DecisionEscalate {
		note := gd.Reason
		action.EscalationNote = &note
	}

	var notify *notification.Event
	if !effects.Mute || gd.Decision == model.DecisionEscalate {
		notify = notification.ForDecision(action, msg, now)
	}

	status := ObjectiveStatus(actionType, gd.Decision, effects.Mute)
	if err = o.store.SaveDecision(ctx, action, status, notify); err != nil {
		err = fmt.Errorf("failed to persist decision: %w", err)
		return Outcome{}, err
	}
	if resetErr := o.attempts.Reset(ctx, msg.ID); resetErr != nil {
		log.Warn("Failed to reset attempt counter", zap.Error(resetErr))
	}

	log.Info("Triage decision",
		zap.Int64("action_id", action.ID),
		zap.String("action_type", string(action.Type)),
		zap.String("decision", string(action.Decision)),
		zap.String("risk", string(action.RiskLevel)),
		zap.Int("confidence", action.ConfidenceScore),
		zap.Int("priority", action.PriorityScore),
		zap.Int("policy_matches", len(matches)),
		zap.String("reason", gd.Reason),
	)

	outcome := Outcome{
		MessageID:  msg.ID,
		ActionID:   action.ID,
		ActionType: action.Type,
		Decision:   action.Decision,
		Risk:       action.RiskLevel,
		Confidence: action.ConfidenceScore,
		NearMiss:   gd.NearMiss,
	}
	if gd.Decision == model.DecisionAutoExecute {
		o.execute(ctx, user, action, msg, &outcome)
	}
	return outcome, nil
}

// propose 选择动作类型；只有需要回复的邮件才起草
func (o *Orchestrator) propose(ctx context.Context, user *model.UserContext, msg model.Message, history []model.Message, analysis model.Analysis, effects policy.Effects) (model.ActionType, *model.Draft, error) {
	switch effects.SuggestedAction {
	case model.ActionFile, model.ActionTriage:
		return effects.SuggestedAction, nil, nil
	}
	if effects.Mute || analysis.LikelySpam || analysis.Category.Bulk() {
		return model.ActionFile, nil, nil
	}
	if !analysis.Actionable {
		return model.ActionTriage, nil, nil
	}

	d, err := o.c.Drafter.Draft(ctx, drafter.Input{
		Message:     msg,
		Context:     history,
		Analysis:    analysis,
		UserEmail:   user.Email,
		UserName:    user.DisplayName,
		Preferences: user.Preferences,
		Style:       user.Style,
	})
	if err != nil {
		return "", nil, err
	}

	t := d.SuggestedAction
	if effects.SuggestedAction != "" {
		t = effects.SuggestedAction
	}
	return t, &d, nil
}

// execute 自动执行；重试耗尽或永久失败时动作转为升级，不会被丢弃
func (o *Orchestrator) execute(ctx context.Context, user *model.UserContext, action *model.AgentAction, msg model.Message, outcome *Outcome) {
	log := logger.WithTrace(ctx, o.logger).With(
		zap.Int64("user_id", user.ID),
		zap.Int64("action_id", action.ID),
	)

	release, ok := o.lockAction(ctx, log, user, action, msg, outcome)
	if !ok {
		return
	}
	defer release()

	_, err := o.c.Executor.Execute(ctx, action, executor.Target{
		Credentials: user.Credentials,
		UserEmail:   user.Email,
		Message:     msg,
		InReplyTo:   msg.HeaderMessageID,
	})
	if err == nil {
		outcome.Executed = true
		if markErr := o.store.MarkExecuted(ctx, action.ID, o.now()); markErr != nil {
			log.Error("Action executed but could not be marked resolved", zap.Error(markErr))
		}
		return
	}

	outcome.ExecutionFailed = true
	o.escalate(ctx, log, action, msg, fmt.Sprintf("automatic %s failed: %v", action.Type, err), err, outcome)

	if util.Classify(err) == util.KindAuth {
		_ = o.reconnect(ctx, user, err)
		outcome.ReconnectRequired = true
	}
}

// lockAction 取得动作锁并确认动作未被人工解决。
// 审核方持有锁或已解决时跳过执行；锁不可用时升级给用户。
func (o *Orchestrator) lockAction(ctx context.Context, log *zap.Logger, user *model.UserContext, action *model.AgentAction, msg model.Message, outcome *Outcome) (func(), bool) {
	if o.actionLock == nil {
		return func() {}, true
	}

	release, err := o.actionLock.Acquire(ctx, action.ID)
	if errors.Is(err, util.ErrLockHeld) {
		log.Info("Action is under review, skipping automatic execution")
		return nil, false
	}
	if err != nil {
		o.escalate(ctx, log, action, msg, fmt.Sprintf("automatic %s skipped, action lock unavailable: %v", action.Type, err), err, outcome)
		return nil, false
	}

	current, err := o.store.GetAction(ctx, user.ID, action.ID)
	if err != nil {
		release()
		o.escalate(ctx, log, action, msg, fmt.Sprintf("automatic %s skipped, action state unavailable: %v", action.Type, err), err, outcome)
		return nil, false
	}
	if current.Resolved() {
		release()
		log.Info("Action already resolved by review, skipping automatic execution", zap.String("status", string(current.Status)))
		return nil, false
	}
	return release, true
}

func (o *Orchestrator) escalate(ctx context.Context, log *zap.Logger, action *model.AgentAction, msg model.Message, note string, cause error, outcome *Outcome) {
	if err := o.store.MarkEscalated(ctx, action, note, notification.ExecutionFailed(action, msg.Subject, cause, o.now())); err != nil {
		log.Error("Failed to escalate action", zap.String("note", note), zap.Error(err))
		return
	}
	action.Decision = model.DecisionEscalate
	action.EscalationNote = &note
	outcome.Decision = model.DecisionEscalate
}

// recordFailure 记录一次失败；达到上限后为该邮件生成人工分拣动作。返回是否已生成。
func (o *Orchestrator) recordFailure(ctx context.Context, user *model.UserContext, msg model.Message, cause error) bool {
	log := logger.WithTrace(ctx, o.logger).With(
		zap.Int64("user_id", user.ID),
		zap.Int64("message_id", msg.ID),
	)

	attempts, err := o.attempts.Increment(ctx, msg.ID)
	if err != nil {
		log.Warn("Failed to record triage attempt", zap.Error(err))
		return false
	}
	if attempts < o.cfg.MaxMessageAttempts {
		return false
	}

	now := o.now()
	note := fmt.Sprintf("automatic triage failed %d times: %v", attempts, cause)
	action := &model.AgentAction{
		ConversationID:  msg.ConversationID,
		MessageID:       msg.ID,
		UserID:          user.ID,
		Type:            model.ActionTriage,
		Content:         model.ProposedContent{ThreadID: msg.ProviderThreadID},
		ConfidenceScore: 0,
		RiskLevel:       model.RiskHigh,
		RiskFactors:     []string{"automatic analysis unavailable"},
		PriorityScore:   50,
		Decision:        model.DecisionQueueForReview,
		Status:          model.ActionPending,
		Reasoning:       "Needs manual triage",
		EscalationNote:  &note,
		CreatedAt:       now,
	}
	if err := o.store.SaveDecision(ctx, action, model.ObjectiveWaitingOnYou, notification.ForDecision(action, msg, now)); err != nil {
		log.Error("Failed to queue message for manual triage", zap.Error(err))
		return false
	}
	if err := o.attempts.Reset(ctx, msg.ID); err != nil {
		log.Warn("Failed to reset attempt counter", zap.Error(err))
	}
	log.Warn("Message queued for manual triage", zap.Int64("attempts", attempts), zap.Int64("action_id", action.ID))
	return true
}

func (o *Orchestrator) reconnect(ctx context.Context, user *model.UserContext, cause error) error {
	logger.WithTrace(ctx, o.logger).Warn("Mailbox authorization failed, halting sync",
		zap.Int64("user_id", user.ID),
		zap.Error(cause),
	)
	if err := o.store.MarkReconnectRequired(ctx, user.ID, notification.ReconnectRequired(user.ID, user.Provider, o.now())); err != nil {
		logger.WithTrace(ctx, o.logger).Error("Failed to mark reconnect required", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	user.ReconnectRequired = true
	return fmt.Errorf("%w: %v", ErrReconnectRequired, cause)
}

func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := o.cfg.Retry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithTrace(ctx, o.logger).Warn("Mail provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	return p.Do(ctx, fn)
}

func toMessage(user *model.UserContext, raw mailprovider.RawMessage) model.Message {
	dir := model.DirectionIncoming
	if raw.Outgoing || model.NormalizeAddress(raw.From) == strings.ToLower(user.Email) {
		dir = model.DirectionOutgoing
	}
	return model.Message{
		UserID:            user.ID,
		ProviderMessageID: raw.ID,
		ProviderThreadID:  raw.ThreadID,
		HeaderMessageID:   raw.MessageIDHeader,
		Sender:            raw.From,
		Recipients:        raw.To,
		Subject:           raw.Subject,
		BodyText:          raw.BodyText,
		BodyHTML:          raw.BodyHTML,
		Direction:         dir,
		SentAt:            raw.SentAt,
	}
}

func proposedContent(msg model.Message, analysis model.Analysis, t model.ActionType, d *model.Draft) model.ProposedContent {
	c := model.ProposedContent{
		ThreadID: msg.ProviderThreadID,
		Summary:  analysis.Summary,
	}
	switch t {
	case model.ActionFile:
		c.Label = "archive"
	case model.ActionDraft, model.ActionSend, model.ActionSchedule:
		c.To = []string{msg.SenderAddress()}
		c.InReplyTo = msg.HeaderMessageID
		if d != nil {
			c.Subject = d.Subject
			c.Body = d.Body
		}
	}
	return c
}

func reasoning(analysis model.Analysis, d *model.Draft, gd model.GateDecision, extra []string) string {
	var parts []string
	if d != nil && d.Reasoning != "" {
		parts = append(parts, d.Reasoning)
	} else if analysis.Intent.Description != "" {
		parts = append(parts, analysis.Intent.Description)
	}
	parts = append(parts, extra...)
	if gd.Reason != "" {
		parts = append(parts, gd.Reason)
	}
	return strings.Join(parts, ". ")
}
