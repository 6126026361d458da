// Package review 处理用户对排队动作的人工决定：批准、拒绝、修改后执行，以及事后补充审计说明。
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/executor"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/util"
)

var (
	// ErrAlreadyResolved 动作已解决，不能再次处理
	ErrAlreadyResolved = errors.New("action already resolved")
	// ErrNotFound 动作不存在或不属于该用户
	ErrNotFound = errors.New("action not found")
	// ErrBusy 另一个请求正在处理同一个动作
	ErrBusy = errors.New("action is being resolved by another request")
)

// ValidationError 用户输入不合法
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return e.Msg }
func (e *ValidationError) Kind() util.ErrorKind { return util.KindMalformed }

// Resolution 一次解决的持久化内容
type Resolution struct {
	ActionID       int64
	UserID         int64
	Status         model.ActionStatus
	UserEdit       *model.ProposedContent
	OverrideReason *string
	ResolvedAt     time.Time
	ApprovedAt     *time.Time
	// 为空表示目标状态不变
	ObjectiveStatus model.ObjectiveStatus
}

// Store 审核所需的持久化操作
type Store interface {
	// GetAction 返回属于该用户的动作，不存在时返回 ErrNotFound
	GetAction(ctx context.Context, userID, actionID int64) (*model.AgentAction, error)
	ListPending(ctx context.Context, userID int64, limit, offset int) ([]model.AgentAction, error)
	LoadUser(ctx context.Context, userID int64) (*model.UserContext, error)
	GetMessage(ctx context.Context, messageID int64) (model.Message, error)
	// Resolve 仅在 resolved_at 为空时生效，否则返回 ErrAlreadyResolved
	Resolve(ctx context.Context, r Resolution) error
	// Annotate 只修改审计字段，已解决的动作也可以
	Annotate(ctx context.Context, userID, actionID int64, note string) error
}

// Executor 执行动作
type Executor interface {
	Execute(ctx context.Context, action *model.AgentAction, target executor.Target) (executor.Result, error)
}

// Locker 按动作互斥，防止并发批准导致重复发送
type Locker interface {
	Acquire(ctx context.Context, id int64) (func(), error)
}

// StyleRequester 用户修改草稿后请求重新学习风格
type StyleRequester interface {
	RequestStyleLearning(ctx context.Context, userID int64, reason string) error
}

// Service 审核服务
type Service struct {
	store    Store
	executor Executor
	locker   Locker
	style    StyleRequester
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, exec Executor, locker Locker, style StyleRequester, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		executor: exec,
		locker:   locker,
		style:    style,
		logger:   logger,
		now:      time.Now,
	}
}

// Pending 未解决的动作，优先级高的在前
func (s *Service) Pending(ctx context.Context, userID int64, limit, offset int) ([]model.AgentAction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListPending(ctx, userID, limit, max(offset, 0))
}

// Get 返回单个动作
func (s *Service) Get(ctx context.Context, userID, actionID int64) (*model.AgentAction, error) {
	return s.store.GetAction(ctx, userID, actionID)
}

// Approve 按原内容执行，成功后以 approved 解决。执行失败时动作保持待处理。
func (s *Service) Approve(ctx context.Context, userID, actionID int64) (*model.AgentAction, error) {
	return s.resolveWithExecution(ctx, "review.approve", userID, actionID, nil, "")
}

// Edit 保存用户修改并执行修改后的内容，成功后以 edited 解决
func (s *Service) Edit(ctx context.Context, userID, actionID int64, edit model.ProposedContent, reason string) (*model.AgentAction, error) {
	return s.resolveWithExecution(ctx, "review.edit", userID, actionID, &edit, reason)
}

// Reject 不执行，以 rejected 解决
func (s *Service) Reject(ctx context.Context, userID, actionID int64, reason string) (action *model.AgentAction, err error) {
	ctx, span := otel.StartSpan(ctx, "review.reject")
	defer func() { otel.EndSpan(span, err) }()

	release, err := s.lock(ctx, actionID)
	if err != nil {
		return nil, err
	}
	defer release()

	action, err = s.pendingAction(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := Resolution{
		ActionID:   actionID,
		UserID:     userID,
		Status:     model.ActionRejected,
		ResolvedAt: now,
	}
	if r := strings.TrimSpace(reason); r != "" {
		res.OverrideReason = &r
	}
	if err = s.store.Resolve(ctx, res); err != nil {
		return nil, err
	}
	apply(action, res)

	logger.WithTrace(ctx, s.logger).Info("Action rejected",
		zap.Int64("user_id", userID),
		zap.Int64("action_id", actionID),
		zap.String("action_type", string(action.Type)),
	)
	return action, nil
}

// Annotate 给动作补充审计说明
func (s *Service) Annotate(ctx context.Context, userID, actionID int64, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return &ValidationError{Msg: "note must not be empty"}
	}
	if _, err := s.store.GetAction(ctx, userID, actionID); err != nil {
		return err
	}
	return s.store.Annotate(ctx, userID, actionID, note)
}

func (s *Service) resolveWithExecution(ctx context.Context, op string, userID, actionID int64, edit *model.ProposedContent, reason string) (action *model.AgentAction, err error) {
	ctx, span := otel.StartSpan(ctx, op)
	defer func() { otel.EndSpan(span, err) }()

	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("user_id", userID),
		zap.Int64("action_id", actionID),
	)

	release, err := s.lock(ctx, actionID)
	if err != nil {
		return nil, err
	}
	defer release()

	action, err = s.pendingAction(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}
	if edit != nil {
		if err = validateEdit(action.Type, *edit); err != nil {
			return nil, err
		}
		merged := mergeEdit(action.Content, *edit)
		edit = &merged
		action.UserEdit = edit
	}

	user, err := s.store.LoadUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	msg, err := s.store.GetMessage(ctx, action.MessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", action.MessageID, err)
	}

	if _, err = s.executor.Execute(ctx, action, executor.Target{
		Credentials: user.Credentials,
		UserEmail:   user.Email,
		Message:     msg,
		InReplyTo:   msg.HeaderMessageID,
	}); err != nil {
		log.Warn("Execution failed, action stays pending", zap.Error(err))
		err = fmt.Errorf("failed to execute action %d: %w", actionID, err)
		return nil, err
	}

	now := s.now()
	res := Resolution{
		ActionID:        actionID,
		UserID:          userID,
		Status:          model.ActionApproved,
		ResolvedAt:      now,
		ApprovedAt:      &now,
		ObjectiveStatus: model.StatusAfterExecution(action.Type),
	}
	if edit != nil {
		res.Status = model.ActionEdited
		res.UserEdit = edit
	}
	if r := strings.TrimSpace(reason); r != "" {
		res.OverrideReason = &r
	}
	if err = s.store.Resolve(ctx, res); err != nil {
		// 已执行但未能记录；返回错误让调用方知晓
		log.Error("Action executed but resolution was not recorded", zap.Error(err))
		return nil, err
	}
	apply(action, res)

	log.Info("Action resolved",
		zap.String("status", string(res.Status)),
		zap.String("action_type", string(action.Type)),
	)

	if edit != nil && s.style != nil && user.Plan.Has(plan.FeatureEditLearning) {
		if reqErr := s.style.RequestStyleLearning(ctx, userID, "edit"); reqErr != nil {
			log.Warn("Failed to request style learning", zap.Error(reqErr))
		}
	}
	return action, nil
}

func (s *Service) pendingAction(ctx context.Context, userID, actionID int64) (*model.AgentAction, error) {
	action, err := s.store.GetAction(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}
	if action.Resolved() {
		return nil, ErrAlreadyResolved
	}
	return action, nil
}

func (s *Service) lock(ctx context.Context, actionID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, actionID)
	if errors.Is(err, util.ErrLockHeld) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock action %d: %w", actionID, err)
	}
	return release, nil
}

func validateEdit(t model.ActionType, edit model.ProposedContent) error {
	switch t {
	case model.ActionDraft, model.ActionSend, model.ActionSchedule:
		if strings.TrimSpace(edit.Body) == "" {
			return &ValidationError{Msg: "edited body must not be empty"}
		}
	}
	for _, to := range edit.To {
		if !strings.Contains(to, "@") {
			return &ValidationError{Msg: fmt.Sprintf("invalid recipient %q", to)}
		}
	}
	return nil
}

// mergeEdit 用户未填写的字段沿用原提议
func mergeEdit(orig, edit model.ProposedContent) model.ProposedContent {
	if len(edit.To) == 0 {
		edit.To = orig.To
	}
	if edit.Subject == "" {
		edit.Subject = orig.Subject
	}
	if edit.ThreadID == "" {
		edit.ThreadID = orig.ThreadID
	}
	if edit.InReplyTo == "" {
		edit.InReplyTo = orig.InReplyTo
	}
	if edit.Label == "" {
		edit.Label = orig.Label
	}
	if edit.Summary == "" {
		edit.Summary = orig.Summary
	}
	return edit
}

func apply(a *model.AgentAction, r Resolution) {
	a.Status = r.Status
	a.ResolvedAt = &r.ResolvedAt
	a.ApprovedAt = r.ApprovedAt
	if r.UserEdit != nil {
		a.UserEdit = r.UserEdit
	}
	if r.OverrideReason != nil {
		a.OverrideReason = r.OverrideReason
	}
}
