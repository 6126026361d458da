// Package scheduler 定期为已连接的用户发布同步请求，并每日触发风格学习。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/pkg/trace"
)

type UserSource interface {
	SyncableUsers(ctx context.Context) ([]int64, error)
	StyleLearningUsers(ctx context.Context, staleBefore time.Time) ([]int64, error)
}

type Requester interface {
	RequestSync(ctx context.Context, userID int64, source string) (string, error)
	RequestStyleLearning(ctx context.Context, userID int64, reason string) error
}

type Config struct {
	SyncInterval  time.Duration `yaml:"sync_interval"`
	StyleInterval time.Duration `yaml:"style_interval"`
	// 风格画像超过该时长视为过期
	StyleStaleAfter time.Duration `yaml:"style_stale_after"`
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.StyleInterval <= 0 {
		c.StyleInterval = 24 * time.Hour
	}
	if c.StyleStaleAfter <= 0 {
		c.StyleStaleAfter = 24 * time.Hour
	}
	return c
}

type Scheduler struct {
	users     UserSource
	requester Requester
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func New(users UserSource, requester Requester, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		users:     users,
		requester: requester,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// Run 启动时立即发布一次同步请求，之后按间隔执行，直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started",
		zap.Duration("sync_interval", s.cfg.SyncInterval),
		zap.Duration("style_interval", s.cfg.StyleInterval),
	)

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()
	styleTicker := time.NewTicker(s.cfg.StyleInterval)
	defer styleTicker.Stop()

	s.runSync(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-syncTicker.C:
			s.runSync(ctx)
		case <-styleTicker.C:
			if _, err := s.EnqueueStyleLearning(ctx); err != nil {
				s.logger.Error("Style learning round failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	if _, err := s.EnqueueSyncs(ctx); err != nil {
		s.logger.Error("Sync round failed", zap.Error(err))
	}
}

// EnqueueSyncs 为每个可同步用户发布一次请求，返回成功发布的数量。
// 单个用户发布失败不影响其他用户。
func (s *Scheduler) EnqueueSyncs(ctx context.Context) (int, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := s.logger.With(zap.String("trace_id", traceID))

	ids, err := s.users.SyncableUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list syncable users: %w", err)
	}

	published := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if _, err := s.requester.RequestSync(ctx, id, mqcontracts.SyncSourceScheduler); err != nil {
			log.Error("Failed to publish sync request", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		published++
	}

	log.Info("Sync requests published", zap.Int("users", len(ids)), zap.Int("published", published))
	return published, nil
}

// EnqueueStyleLearning 为画像过期的用户发布风格学习请求
func (s *Scheduler) EnqueueStyleLearning(ctx context.Context) (int, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := s.logger.With(zap.String("trace_id", traceID))

	ids, err := s.users.StyleLearningUsers(ctx, s.now().Add(-s.cfg.StyleStaleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list style learning users: %w", err)
	}

	published := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := s.requester.RequestStyleLearning(ctx, id, "scheduled"); err != nil {
			log.Error("Failed to publish style learning request", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		published++
	}

	log.Info("Style learning requests published", zap.Int("users", len(ids)), zap.Int("published", published))
	return published, nil
}
