// Package drafter 根据分析结果、会话上下文和用户写作风格生成回复草稿。
package drafter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/llm"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/util"
)

// DraftError 草稿生成失败或未通过校验
type DraftError struct {
	Err error
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("draft generation failed: %v", e.Err)
}

func (e *DraftError) Unwrap() error { return e.Err }

func (e *DraftError) Kind() util.ErrorKind {
	return util.Classify(e.Err)
}

// Config 起草配置
type Config struct {
	ContextWindow int           `yaml:"context_window"`
	MaxBodyChars  int           `yaml:"max_body_chars"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Input 起草输入
type Input struct {
	Message     model.Message
	Context     []model.Message
	Analysis    model.Analysis
	UserEmail   string
	UserName    string
	Preferences model.Preferences
	Style       *model.WritingStyleProfile
}

// Drafter 回复起草器
type Drafter struct {
	llm    llm.Client
	cfg    Config
	logger *zap.Logger
}

func New(client llm.Client, cfg Config, logger *zap.Logger) *Drafter {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = analyzer.DefaultContextWindow
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = analyzer.DefaultMaxBodyChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Drafter{llm: client, cfg: cfg, logger: logger}
}

// Draft 生成草稿。输出必须通过 model.Draft.Validate，否则返回 *DraftError。
func (d *Drafter) Draft(ctx context.Context, in Input) (model.Draft, error) {
	ctx, span := otel.StartSpan(ctx, "triage.draft")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	g := ResolveGuidance(in.Preferences, in.Style)
	req := llm.Request{
		Component:   "drafter",
		System:      systemPrompt,
		Prompt:      d.buildPrompt(in, g),
		Temperature: 0.5,
		MaxTokens:   1200,
	}

	draft, err := llm.CompleteJSON[model.Draft](ctx, d.llm, req)
	if err != nil {
		logger.WithTrace(ctx, d.logger).Warn("Draft generation failed",
			zap.Int64("message_id", in.Message.ID),
			zap.String("error_type", string(util.Classify(err))),
			zap.Error(err),
		)
		err = &DraftError{Err: err}
		return model.Draft{}, err
	}

	if strings.TrimSpace(draft.Subject) == "" {
		draft.Subject = model.ReplySubject(in.Message.Subject)
	}
	draft.Body = applySignOff(draft.Body, g.SignOff, g.SignOffExplicit)
	return draft, nil
}

// applySignOff 用户显式设置了落款时保证草稿以该落款结尾
func applySignOff(body, signOff string, explicit bool) string {
	if !explicit || signOff == "" {
		return body
	}
	trimmed := strings.TrimRight(body, " \n\t")
	if strings.HasSuffix(strings.ToLower(trimmed), strings.ToLower(signOff)) {
		return trimmed
	}
	return trimmed + "\n\n" + signOff
}
