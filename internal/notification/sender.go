package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/util"
)

// Channel 一种投递渠道
type Channel interface {
	Name() model.NotificationChannel
	Deliver(ctx context.Context, target model.NotificationTarget, ev Event) error
}

// TargetStore 查询用户的通知目标
type TargetStore interface {
	NotificationTarget(ctx context.Context, userID int64) (model.NotificationTarget, error)
}

// DeliveryError 渠道投递失败；Transient 为 true 时值得重投
type DeliveryError struct {
	Channel   model.NotificationChannel
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Kind() util.ErrorKind {
	if e.Transient {
		return util.KindTransient
	}
	return util.KindPermanent
}

// Sender 按用户配置选择渠道投递；未配置或渠道不可用时退回日志渠道
type Sender struct {
	targets  TargetStore
	channels map[model.NotificationChannel]Channel
	fallback Channel
	logger   *zap.Logger
}

func NewSender(targets TargetStore, logger *zap.Logger, channels ...Channel) *Sender {
	s := &Sender{
		targets:  targets,
		channels: make(map[model.NotificationChannel]Channel, len(channels)),
		fallback: NewLogChannel(logger),
		logger:   logger,
	}
	for _, ch := range channels {
		if ch != nil {
			s.channels[ch.Name()] = ch
		}
	}
	return s
}

// Send 投递一条通知。返回的错误可用 util.Classify 判断是否应重试。
func (s *Sender) Send(ctx context.Context, ev Event) error {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("user_id", ev.UserID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("action_id", ev.ActionID),
	)

	target, err := s.targets.NotificationTarget(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("failed to load notification target for user %d: %w", ev.UserID, err)
	}

	ch, ok := s.channels[target.Channel]
	if !ok {
		if target.Channel != model.ChannelLog && target.Channel != "" {
			log.Warn("Notification channel not configured, falling back to log", zap.String("channel", string(target.Channel)))
		}
		ch = s.fallback
	}

	if err := ch.Deliver(ctx, target, ev); err != nil {
		log.Error("Failed to deliver notification",
			zap.String("channel", string(ch.Name())),
			zap.String("error_type", string(util.Classify(err))),
			zap.Error(err),
		)
		return err
	}

	log.Info("Notification delivered", zap.String("channel", string(ch.Name())))
	return nil
}

// LogChannel 只写日志，作为默认渠道
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() model.NotificationChannel { return model.ChannelLog }

func (c *LogChannel) Deliver(ctx context.Context, _ model.NotificationTarget, ev Event) error {
	logger.WithTrace(ctx, c.logger).Info("Notification",
		zap.Int64("user_id", ev.UserID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("action_id", ev.ActionID),
		zap.Int("priority", ev.Priority),
		zap.String("title", ev.Title),
		zap.String("body", ev.Body),
	)
	return nil
}
