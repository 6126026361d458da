// Package bootstrap 组装各进程共用的依赖
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailpilot/config"
	"mailpilot/internal/analyzer"
	"mailpilot/internal/autonomy"
	"mailpilot/internal/confidence"
	"mailpilot/internal/drafter"
	"mailpilot/internal/executor"
	"mailpilot/internal/feedback"
	"mailpilot/internal/llm"
	"mailpilot/internal/mailprovider"
	"mailpilot/internal/notification"
	"mailpilot/internal/policy"
	"mailpilot/internal/repository"
	"mailpilot/internal/requests"
	"mailpilot/internal/review"
	"mailpilot/internal/risk"
	"mailpilot/internal/triage"
	"mailpilot/pkg/db"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/redis"
	"mailpilot/pkg/util"
	"mailpilot/pkg/vault"
)

// Infra 基础设施连接
type Infra struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *pgxpool.Pool
	Redis     *goredis.Client
	Publisher *mq.Publisher
	Outbox    *outbox.Repository
	Repo      *repository.Repository
	Requester *requests.Requester

	closers []func()
}

// NewInfra 依次建立 tracing、数据库、Redis、MQ 连接；任一步失败会关闭已建立的连接
func NewInfra(cfg *config.Config, logger *zap.Logger) (_ *Infra, err error) {
	in := &Infra{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	shutdownTracing, err := otel.Init(cfg.Otel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	in.closers = append(in.closers, shutdownTracing)

	in.DB, err = db.NewConnection(cfg.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	in.closers = append(in.closers, in.DB.Close)

	in.Redis, err = redis.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	in.closers = append(in.closers, func() { _ = in.Redis.Close() })

	in.Publisher, err = mq.NewPublisher(cfg.MQ.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init publisher: %w", err)
	}
	in.closers = append(in.closers, in.Publisher.Close)

	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to init credential vault: %w", err)
	}

	in.Outbox = outbox.NewRepository(in.DB)
	in.Repo = repository.NewRepository(in.DB, in.Outbox, v, logger)
	in.Requester = requests.New(in.Publisher)
	return in, nil
}

// Dispatcher 按配置构造 outbox 投递器
func (in *Infra) Dispatcher() *outbox.Dispatcher {
	d := outbox.NewDispatcher(in.Outbox, in.Publisher, in.Logger)
	if c := in.Config.Outbox; c.Interval > 0 {
		d = d.WithInterval(c.Interval)
	}
	if c := in.Config.Outbox; c.BatchSize > 0 {
		d = d.WithBatchSize(c.BatchSize)
	}
	if c := in.Config.Outbox; c.MaxRetries > 0 {
		d = d.WithMaxRetries(c.MaxRetries)
	}
	return d
}

// Close 逆序关闭连接
func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

// Review 构造审核服务。API 与 worker（Telegram 回调）共用。
func (in *Infra) Review(provider mailprovider.Provider) *review.Service {
	exec := executor.New(provider, in.Config.Executor, in.Logger)
	return review.NewService(in.Repo, exec, in.actionLock(), in.Requester, in.Logger)
}

// actionLock 审核与自动执行共用，保证同一动作只执行一次
func (in *Infra) actionLock() *util.KeyedLock {
	return util.NewKeyedLock(in.Redis, "action", in.Config.Worker.LockTTL)
}

// Gmail 邮件服务商
func (in *Infra) Gmail() *mailprovider.Gmail {
	return mailprovider.NewGmail(in.Config.Gmail, in.Logger)
}

// Pipeline 分拣与学习组件
type Pipeline struct {
	Orchestrator *triage.Orchestrator
	Runner       *triage.Runner
	Learner      *feedback.Learner
}

// NewPipeline 构造 LLM 客户端和分拣流水线
func (in *Infra) NewPipeline(ctx context.Context, provider mailprovider.Provider) (*Pipeline, error) {
	cfg := in.Config
	client, err := llm.NewFromConfig(ctx, cfg.LLM, in.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init llm client: %w", err)
	}

	matcher := policy.NewMatcher(in.Logger)
	components := triage.Components{
		Analyzer: analyzer.New(client, cfg.Analyzer, in.Logger),
		Drafter:  drafter.New(client, cfg.Drafter, in.Logger),
		Risk:     risk.New(client, matcher, cfg.Risk, in.Logger),
		Matcher:  matcher,
		Scorer:   confidence.New(client, cfg.Confidence, in.Logger),
		Gate:     autonomy.NewGate(cfg.Autonomy, in.Logger),
		Executor: executor.New(provider, cfg.Executor, in.Logger),
	}

	attempts := triage.NewRedisAttempts(util.NewRetryCounter(in.Redis, cfg.Worker.RetryTTL))
	orch := triage.NewOrchestrator(in.Repo, provider, components, attempts, cfg.Triage, in.Logger).
		WithActionLock(in.actionLock())
	userLock := util.NewKeyedLock(in.Redis, "sync", cfg.Worker.LockTTL)

	return &Pipeline{
		Orchestrator: orch,
		Runner:       triage.NewRunner(orch, userLock, cfg.Runner, in.Logger),
		Learner:      feedback.NewLearner(in.Repo, client, cfg.Feedback, in.Logger),
	}, nil
}

// Notifier 构造通知发送器；配置了 bot token 时同时返回 Telegram 渠道
func (in *Infra) Notifier(reviewer notification.Reviewer) (*notification.Sender, *notification.Telegram, error) {
	cfg := in.Config.Notification
	channels := []notification.Channel{
		notification.NewLogChannel(in.Logger),
		notification.NewWebhookChannel(cfg.WebhookTimeout, in.Logger),
	}

	var tg *notification.Telegram
	if cfg.TelegramToken != "" {
		var err error
		tg, err = notification.NewTelegram(cfg.TelegramToken, reviewer, in.Repo, in.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init telegram bot: %w", err)
		}
		channels = append(channels, tg)
	}
	return notification.NewSender(in.Repo, in.Logger, channels...), tg, nil
}
