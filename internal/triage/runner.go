package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailpilot/pkg/logger"
	"mailpilot/pkg/util"
)

// ErrSyncInProgress 该用户已有同步在进行
var ErrSyncInProgress = errors.New("sync already in progress")

// Syncer 同步单个用户
type Syncer interface {
	SyncUser(ctx context.Context, userID int64) (Report, error)
}

// Locker 按用户互斥，util.KeyedLock 实现了该接口
type Locker interface {
	Acquire(ctx context.Context, id int64) (func(), error)
}

// RunnerConfig 多用户并发配置
type RunnerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	UserTimeout time.Duration `yaml:"user_timeout"`
}

// UserResult 单个用户的同步结果
type UserResult struct {
	UserID int64
	Report Report
	Err    error
}

// Runner 不同用户并行同步，同一用户串行
type Runner struct {
	syncer Syncer
	locker Locker
	cfg    RunnerConfig
	logger *zap.Logger
}

func NewRunner(syncer Syncer, locker Locker, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Runner{syncer: syncer, locker: locker, cfg: cfg, logger: logger}
}

// Concurrency 同时同步的用户数上限
func (r *Runner) Concurrency() int {
	return r.cfg.Concurrency
}

// RunUsers 并发同步多个用户；一个用户失败不影响其他用户。结果与 ids 顺序一致。
func (r *Runner) RunUsers(ctx context.Context, ids []int64) []UserResult {
	results := make([]UserResult, len(ids))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			report, err := r.RunUser(ctx, id)
			results[i] = UserResult{UserID: id, Report: report, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	logger.WithTrace(ctx, r.logger).Info("Sync round finished",
		zap.Int("users", len(ids)),
		zap.Int("failed", failed),
	)
	return results
}

// RunUser 持有用户锁同步一个用户；锁被占用时返回 ErrSyncInProgress
func (r *Runner) RunUser(ctx context.Context, userID int64) (report Report, err error) {
	log := logger.WithTrace(ctx, r.logger).With(zap.Int64("user_id", userID))

	if r.locker != nil {
		release, lockErr := r.locker.Acquire(ctx, userID)
		if errors.Is(lockErr, util.ErrLockHeld) {
			log.Info("Sync already running for user, skipping")
			return Report{UserID: userID}, ErrSyncInProgress
		}
		if lockErr != nil {
			return Report{UserID: userID}, fmt.Errorf("failed to lock user %d: %w", userID, lockErr)
		}
		defer release()
	}

	if r.cfg.UserTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.UserTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("Sync panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("sync user %d panicked: %v", userID, p)
		}
	}()

	report, err = r.syncer.SyncUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrReconnectRequired) {
		log.Error("Sync failed", zap.Error(err))
	}
	return report, err
}
