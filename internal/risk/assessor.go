// Package risk 评估对一封来信自动采取行动的风险。
// 任何评估失败都按 high 处理，不会静默降为 low。
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/llm"
	"mailpilot/internal/model"
	"mailpilot/internal/policy"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/otel"
)

// Input 风险评估输入
type Input struct {
	Message   model.Message
	Analysis  model.Analysis
	Policies  []model.Policy
	Context   []model.Message
	UserEmail string
}

// Config 风险评估配置
type Config struct {
	// 关闭后只使用确定性信号
	UseLLM       bool          `yaml:"use_llm"`
	MaxBodyChars int           `yaml:"max_body_chars"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Assessor 风险评估器
type Assessor struct {
	llm     llm.Client
	matcher *policy.Matcher
	cfg     Config
	logger  *zap.Logger
}

func New(client llm.Client, matcher *policy.Matcher, cfg Config, logger *zap.Logger) *Assessor {
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = analyzer.DefaultMaxBodyChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Assessor{llm: client, matcher: matcher, cfg: cfg, logger: logger}
}

// Assess 等级取确定性信号、模型评估、escalate 策略三者的最大值。
// 出错时返回 high 和错误本身，调用方应使用返回的评估继续流程。
func (a *Assessor) Assess(ctx context.Context, in Input) (model.RiskAssessment, error) {
	ctx, span := otel.StartSpan(ctx, "triage.risk")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	result := model.RiskAssessment{Level: model.RiskLow, Factors: []string{}}
	merge := func(level model.RiskLevel, factor string, financial, legal bool) {
		result.Level = model.MaxRisk(result.Level, level)
		if factor != "" && level != model.RiskLow {
			result.Factors = appendUnique(result.Factors, factor)
		}
		result.Financial = result.Financial || financial
		result.Legal = result.Legal || legal
	}

	for _, s := range contentSignals(in) {
		merge(s.level, s.factor, s.financial, s.legal)
	}

	for _, m := range a.matcher.Match(in.Message, in.Analysis, in.Policies) {
		if model.HasPolicyAction([]model.PolicyMatch{m}, model.PolicyEscalate) {
			merge(model.RiskHigh, fmt.Sprintf("policy %q requires escalation", m.PolicyName), false, false)
		}
	}

	if a.cfg.UseLLM && a.llm != nil {
		var llmRisk model.RiskAssessment
		llmRisk, err = a.assessWithLLM(ctx, in)
		if err != nil {
			logger.WithTrace(ctx, a.logger).Warn("Risk assessment failed, failing closed to high",
				zap.Int64("message_id", in.Message.ID),
				zap.Error(err),
			)
			merge(model.RiskHigh, "risk assessment unavailable: "+err.Error(), false, false)
			return finalize(result), fmt.Errorf("risk assessment: %w", err)
		}
		for _, f := range llmRisk.Factors {
			merge(llmRisk.Level, f, false, false)
		}
		merge(llmRisk.Level, "model assessed "+string(llmRisk.Level)+" risk", llmRisk.Financial, llmRisk.Legal)
	}

	return finalize(result), nil
}

// finalize 保证 medium/high 必有风险因素且等级合法
func finalize(r model.RiskAssessment) model.RiskAssessment {
	if !r.Level.Valid() {
		r.Level = model.RiskHigh
	}
	if r.Level != model.RiskLow && len(r.Factors) == 0 {
		r.Factors = []string{"elevated risk without a specific factor"}
	}
	return r
}

func (a *Assessor) assessWithLLM(ctx context.Context, in Input) (model.RiskAssessment, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Mailbox owner: %s\n", in.UserEmail)
	fmt.Fprintf(&sb, "Category: %s, urgency: %s, sender relationship: %s, likely spam: %t\n\n",
		in.Analysis.Category, in.Analysis.Urgency, in.Analysis.SenderRelationship, in.Analysis.LikelySpam)
	fmt.Fprintf(&sb, "From: %s\nSubject: %s\n\n%s\n", in.Message.Sender, in.Message.Subject,
		analyzer.TruncateBody(in.Message.Body(), a.cfg.MaxBodyChars))
	for i, m := range in.Context {
		if i >= analyzer.DefaultContextWindow {
			break
		}
		fmt.Fprintf(&sb, "\n--- earlier (%s) ---\n%s\n", m.Direction, analyzer.TruncateBody(m.Body(), 500))
	}

	return llm.CompleteJSON[model.RiskAssessment](ctx, a.llm, llm.Request{
		Component:   "risk",
		System:      systemPrompt,
		Prompt:      sb.String(),
		Temperature: 0,
		MaxTokens:   400,
	})
}

const systemPrompt = `You assess the risk of an assistant acting on this email without human review.
Return ONLY a JSON object:
{"level": "low" | "medium" | "high", "financial": true|false, "legal": true|false, "factors": ["<reason>", ...]}
"factors" must be non-empty when level is medium or high. Money movement, legal exposure, credentials,
commitments on behalf of the owner and anything irreversible are at least medium.`

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
