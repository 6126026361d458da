// Package config 汇总各进程共用的配置
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/autonomy"
	"mailpilot/internal/confidence"
	"mailpilot/internal/drafter"
	"mailpilot/internal/feedback"
	"mailpilot/internal/llm"
	"mailpilot/internal/mailprovider"
	"mailpilot/internal/risk"
	"mailpilot/internal/scheduler"
	"mailpilot/internal/triage"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/retry"
)

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Debug   bool   `yaml:"debug"`
}

type VaultConfig struct {
	// base64 编码的 32 字节密钥
	Key string `yaml:"key"`
}

type NotificationConfig struct {
	TelegramToken  string        `yaml:"telegram_token"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type WorkerConfig struct {
	Prefetch int           `yaml:"prefetch"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	RetryTTL time.Duration `yaml:"retry_ttl"`
	// 单用户同步锁和单动作审核锁的过期时间
	LockTTL time.Duration `yaml:"lock_ttl"`
	// 可重试失败在重试队列中停留的时间；0 表示立即 requeue
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type Config struct {
	App          AppConfig                `yaml:"app"`
	Server       pkgconfig.ServerConfig   `yaml:"server"`
	DB           pkgconfig.DBConfig       `yaml:"db"`
	Redis        pkgconfig.RedisConfig    `yaml:"redis"`
	MQ           pkgconfig.MQConfig       `yaml:"mq"`
	JWT          pkgconfig.JWTConfig      `yaml:"jwt"`
	Vault        VaultConfig              `yaml:"vault"`
	Otel         otel.Config              `yaml:"otel"`
	LLM          llm.Config               `yaml:"llm"`
	Gmail        mailprovider.GmailConfig `yaml:"gmail"`
	Analyzer     analyzer.Config          `yaml:"analyzer"`
	Drafter      drafter.Config           `yaml:"drafter"`
	Risk         risk.Config              `yaml:"risk"`
	Confidence   confidence.Config        `yaml:"confidence"`
	Autonomy     autonomy.Config          `yaml:"autonomy"`
	Executor     retry.Policy             `yaml:"executor"`
	Triage       triage.Config            `yaml:"triage"`
	Runner       triage.RunnerConfig      `yaml:"runner"`
	Feedback     feedback.Config          `yaml:"feedback"`
	Notification NotificationConfig       `yaml:"notification"`
	Scheduler    scheduler.Config         `yaml:"scheduler"`
	Outbox       OutboxConfig             `yaml:"outbox"`
	Worker       WorkerConfig             `yaml:"worker"`
}

// Load 读取 configDir 下的 base.yaml 与 <env>.yaml，再用环境变量覆盖连接信息
func Load(env, configDir string) (*Config, error) {
	var cfg Config
	if err := pkgconfig.LoadInto(env, configDir, &cfg); err != nil {
		return nil, err
	}

	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	overrideSecretsFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideSecretsFromEnv 密钥类配置允许直接由环境变量注入，不必写进 yaml 占位符。
// LLM 服务商按 LLM_<TYPE>_API_KEY 优先，其次是共用的 LLM_API_KEY。
func overrideSecretsFromEnv(cfg *Config) {
	pkgconfig.OverrideString(&cfg.Vault.Key, "VAULT_KEY")
	pkgconfig.OverrideString(&cfg.Notification.TelegramToken, "TELEGRAM_BOT_TOKEN")
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		typed := "LLM_" + strings.ToUpper(string(p.Type)) + "_API_KEY"
		pkgconfig.OverrideString(&p.APIKey, typed, "LLM_API_KEY")
	}
}

// Validate 检查所有进程都依赖的字段
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	if c.MQ.URL == "" {
		errs = append(errs, errors.New("mq.url is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Runner.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("runner.concurrency must not be negative, got %d", c.Runner.Concurrency))
	}
	return errors.Join(errs...)
}
