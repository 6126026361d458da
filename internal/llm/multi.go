package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpilot/pkg/circuitbreaker"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/util"
)

// ErrNoProvider 所有服务商都不可用
var ErrNoProvider = errors.New("no llm provider available")

type guardedProvider struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
}

// MultiProviderClient 按顺序尝试各服务商：熔断打开或出现可重试错误时切到下一个。
// 模型输出格式错误不会触发切换，直接返回给调用方。
type MultiProviderClient struct {
	providers []guardedProvider
	logger    *zap.Logger
}

// Config 推理配置
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	// 连续失败多少次后熔断单个服务商
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// NewMultiProviderClient 由已构造的服务商组成客户端
func NewMultiProviderClient(providers []Provider, cfg Config, logger *zap.Logger) (*MultiProviderClient, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	guarded := make([]guardedProvider, 0, len(providers))
	for _, p := range providers {
		cbCfg := circuitbreaker.DefaultConfig("llm:" + p.Name())
		cbCfg.FailureThreshold = cfg.MaxFailures
		cbCfg.Timeout = cfg.Cooldown
		// 输出格式错误和请求非法不代表服务商不可用
		cbCfg.IsFailure = func(err error) bool {
			return util.Classify(err) == util.KindTransient
		}
		cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("LLM provider breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
		guarded = append(guarded, guardedProvider{provider: p, breaker: circuitbreaker.NewCircuitBreaker(cbCfg)})
	}

	return &MultiProviderClient{providers: guarded, logger: logger}, nil
}

// NewFromConfig 根据配置创建所有服务商；单个服务商初始化失败只记录日志
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*MultiProviderClient, error) {
	var providers []Provider
	for i, pc := range cfg.Providers {
		var (
			p   Provider
			err error
		)
		switch pc.Type {
		case ProviderGemini:
			p, err = NewGeminiClient(ctx, pc, logger)
		case ProviderGroq, ProviderOpenRouter, ProviderOpenAI:
			p, err = NewOpenAIClient(pc, logger)
		default:
			logger.Warn("Unknown provider type, skipping", zap.String("type", string(pc.Type)), zap.Int("index", i))
			continue
		}
		if err != nil {
			logger.Error("Failed to create provider", zap.String("type", string(pc.Type)), zap.Int("index", i), zap.Error(err))
			continue
		}
		providers = append(providers, NewRateLimitedProvider(p, pc.RequestsPerMinute))
	}
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}
	return NewMultiProviderClient(providers, cfg, logger)
}

func (c *MultiProviderClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.StartSpan(ctx, "llm.complete")
	var lastErr error
	defer func() { otel.EndSpan(span, lastErr) }()

	for _, gp := range c.providers {
		var out string
		start := time.Now()
		err := gp.breaker.Execute(func() error {
			var callErr error
			out, callErr = gp.provider.Complete(ctx, req)
			return callErr
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			lastErr = err
			continue
		}

		metrics.RecordLLMCallLatency(gp.provider.Name(), req.Component, callStatus(err), time.Since(start))
		if err == nil {
			return out, nil
		}

		lastErr = err
		if util.Classify(err) != util.KindTransient {
			return "", err
		}
		c.logger.Warn("LLM provider failed, trying next",
			zap.String("provider", gp.provider.Name()),
			zap.String("component", req.Component),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = ErrNoProvider
	}
	// 全部失败仍按可重试错误上报
	lastErr = &ProviderError{Provider: "all", Err: fmt.Errorf("%w: %w", ErrNoProvider, lastErr)}
	return "", lastErr
}

// Close 关闭所有服务商
func (c *MultiProviderClient) Close() error {
	var errs []error
	for _, gp := range c.providers {
		if err := gp.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callStatus(err error) string {
	if err == nil {
		return "success"
	}
	return string(util.Classify(err))
}
