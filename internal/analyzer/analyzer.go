// Package analyzer 调用大模型理解一封来信：意图、情绪、紧急程度、类别和要点。
package analyzer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/llm"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/util"
)

const (
	DefaultContextWindow = 5
	DefaultMaxBodyChars  = 2000
)

// AnalysisError 分析失败；Orchestrator 据此跳过本封邮件，下个周期重试
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("email analysis failed: %v", e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Kind 继承底层错误的分类
func (e *AnalysisError) Kind() util.ErrorKind {
	return util.Classify(e.Err)
}

// Config 分析器配置
type Config struct {
	ContextWindow int           `yaml:"context_window"`
	MaxBodyChars  int           `yaml:"max_body_chars"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Input 分析输入
type Input struct {
	Message model.Message
	// 同一会话中更早的邮件，最新的在前
	Context   []model.Message
	UserEmail string
	UserName  string
}

// Analyzer 邮件分析器
type Analyzer struct {
	llm    llm.Client
	cfg    Config
	logger *zap.Logger
}

func New(client llm.Client, cfg Config, logger *zap.Logger) *Analyzer {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultMaxBodyChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Analyzer{llm: client, cfg: cfg, logger: logger}
}

// Analyze 总是返回一个合法的 Analysis；失败时返回 DefaultAnalysis 和 *AnalysisError，
// 调用方不能把降级结果当作真实分析持久化。
func (a *Analyzer) Analyze(ctx context.Context, in Input) (model.Analysis, error) {
	ctx, span := otel.StartSpan(ctx, "triage.analyze")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req := llm.Request{
		Component:   "analyzer",
		System:      systemPrompt,
		Prompt:      a.buildPrompt(in),
		Temperature: 0.2,
		MaxTokens:   800,
	}

	analysis, err := llm.CompleteJSON[model.Analysis](ctx, a.llm, req)
	if err != nil {
		logger.WithTrace(ctx, a.logger).Warn("Email analysis failed, using default analysis",
			zap.Int64("message_id", in.Message.ID),
			zap.String("error_type", string(util.Classify(err))),
			zap.Error(err),
		)
		err = &AnalysisError{Err: err}
		return model.DefaultAnalysis(), err
	}

	if analysis.KeyPoints == nil {
		analysis.KeyPoints = []string{}
	}
	return analysis, nil
}

// Window 截取上下文窗口：最新的在前，最多 ContextWindow 封
func (a *Analyzer) Window(history []model.Message) []model.Message {
	if len(history) <= a.cfg.ContextWindow {
		return history
	}
	return history[:a.cfg.ContextWindow]
}
