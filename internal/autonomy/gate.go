// Package autonomy 决定一个建议动作是自动执行、排队等待人工审核还是升级处理。
//
// 规则：
//   - 高风险永不自动执行；不可逆动作（send）且置信度低于下限时升级，否则排队。
//   - low 自治级别一律排队。
//   - medium 仅在低风险且置信度 >= MediumAutoThreshold 时自动执行。
//   - high 在低/中风险且置信度 >= HighAutoThreshold 时自动执行。
//
// 最后还有一道运行时断言：任何高风险的自动执行都会被改为排队，记录 error 日志和指标。
package autonomy

import (
	"fmt"

	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/pkg/metrics"
)

// Config 门控阈值
type Config struct {
	MediumAutoThreshold int `yaml:"medium_auto_threshold"`
	HighAutoThreshold   int `yaml:"high_auto_threshold"`
	// 高风险不可逆动作低于该值时升级
	EscalateFloor int `yaml:"escalate_floor"`
}

func DefaultConfig() Config {
	return Config{
		MediumAutoThreshold: 85,
		HighAutoThreshold:   65,
		EscalateFloor:       40,
	}
}

// Input 门控输入；风险必须已评估
type Input struct {
	Risk       model.RiskLevel
	Confidence int
	Autonomy   model.AutonomyLevel
	ActionType model.ActionType
	// 策略或套餐要求人工审核
	ForceReview bool
	// 策略要求升级
	Escalate bool
}

// Gate 自治门控，无状态，可并发使用
type Gate struct {
	cfg    Config
	rules  func(Input) model.GateDecision
	logger *zap.Logger
}

func NewGate(cfg Config, logger *zap.Logger) *Gate {
	def := DefaultConfig()
	if cfg.MediumAutoThreshold <= 0 {
		cfg.MediumAutoThreshold = def.MediumAutoThreshold
	}
	if cfg.HighAutoThreshold <= 0 {
		cfg.HighAutoThreshold = def.HighAutoThreshold
	}
	if cfg.EscalateFloor < 0 {
		cfg.EscalateFloor = 0
	}
	g := &Gate{cfg: cfg, logger: logger}
	g.rules = g.decide
	return g
}

// Decide PENDING_DECISION -> 终态
func (g *Gate) Decide(in Input) model.GateDecision {
	out := g.rules(in)
	if out.Decision == model.DecisionAutoExecute && in.Risk != model.RiskLow && in.Risk != model.RiskMedium {
		g.logger.Error("Safety near-miss: auto-execute requested for high risk action, forcing review",
			zap.String("risk_level", string(in.Risk)),
			zap.Int("confidence", in.Confidence),
			zap.String("autonomy", string(in.Autonomy)),
			zap.String("action_type", string(in.ActionType)),
		)
		metrics.IncrementSafetyNearMiss()
		out = model.GateDecision{
			Decision: model.DecisionQueueForReview,
			Reason:   "safety assertion: high risk actions are never auto-executed",
			NearMiss: true,
		}
	}
	metrics.IncrementGateDecision(string(out.Decision), string(in.Risk))
	return out
}

func (g *Gate) decide(in Input) model.GateDecision {
	confidence := min(max(in.Confidence, 0), 100)
	risk := in.Risk
	if !risk.Valid() {
		risk = model.RiskHigh
	}

	if in.Escalate {
		return model.GateDecision{Decision: model.DecisionEscalate, Reason: "policy requires escalation"}
	}

	if risk == model.RiskHigh {
		if in.ActionType.Irreversible() && confidence < g.cfg.EscalateFloor {
			return model.GateDecision{
				Decision: model.DecisionEscalate,
				Reason:   fmt.Sprintf("high risk irreversible %s with confidence %d below %d", in.ActionType, confidence, g.cfg.EscalateFloor),
			}
		}
		return queue("high risk requires human review")
	}

	if in.ForceReview {
		return queue("review required by policy or plan")
	}

	switch in.Autonomy {
	case model.AutonomyMedium:
		if risk == model.RiskLow && confidence >= g.cfg.MediumAutoThreshold {
			return auto(fmt.Sprintf("medium autonomy, low risk, confidence %d >= %d", confidence, g.cfg.MediumAutoThreshold))
		}
		return queue(fmt.Sprintf("medium autonomy requires low risk and confidence >= %d", g.cfg.MediumAutoThreshold))
	case model.AutonomyHigh:
		if confidence >= g.cfg.HighAutoThreshold {
			return auto(fmt.Sprintf("high autonomy, %s risk, confidence %d >= %d", risk, confidence, g.cfg.HighAutoThreshold))
		}
		return queue(fmt.Sprintf("high autonomy requires confidence >= %d", g.cfg.HighAutoThreshold))
	default:
		return queue("low autonomy: every action is reviewed")
	}
}

func queue(reason string) model.GateDecision {
	return model.GateDecision{Decision: model.DecisionQueueForReview, Reason: reason}
}

func auto(reason string) model.GateDecision {
	return model.GateDecision{Decision: model.DecisionAutoExecute, Reason: reason}
}
