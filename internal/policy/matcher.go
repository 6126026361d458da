// Package policy 评估用户自定义的规则，返回按置信度排序的命中结果。
package policy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mailpilot/internal/model"
)

const (
	equalsConfidence   = 1.0
	containsConfidence = 0.85
	categoryFloor      = 0.5
)

// Matcher 策略匹配器，无状态
type Matcher struct {
	logger *zap.Logger
}

func NewMatcher(logger *zap.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Match 返回所有条件都成立的策略。没有条件或规则无法解析的策略永不命中。
// 命中结果不去重不合并，按置信度降序、策略 ID 升序排列。
func (m *Matcher) Match(msg model.Message, analysis model.Analysis, policies []model.Policy) []model.PolicyMatch {
	var matches []model.PolicyMatch

	for _, p := range policies {
		if !p.Active {
			continue
		}
		rules, err := ParseRules(p.Rules)
		if err != nil {
			m.logger.Warn("Skipping policy with invalid rules",
				zap.Int64("policy_id", p.ID),
				zap.String("policy_name", p.Name),
				zap.Error(err),
			)
			continue
		}
		if len(rules.Conditions) == 0 {
			continue
		}

		confidence := 1.0
		matched := true
		descs := make([]string, 0, len(rules.Conditions))
		for _, c := range rules.Conditions {
			ok, conf := evaluate(c, msg, analysis)
			if !ok {
				matched = false
				break
			}
			confidence = math.Min(confidence, conf)
			descs = append(descs, c.String())
		}
		if !matched {
			continue
		}

		matches = append(matches, model.PolicyMatch{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Confidence: confidence,
			Rule:       strings.Join(descs, " AND "),
			Reasoning:  fmt.Sprintf("all %d condition(s) of policy %q matched", len(descs), p.Name),
			Actions:    rules.Actions,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].PolicyID < matches[j].PolicyID
	})
	return matches
}

func evaluate(c Condition, msg model.Message, a model.Analysis) (bool, float64) {
	if c.Operator == OpCategory || (c.Field == FieldCategory && c.Operator == OpEquals) {
		if strings.EqualFold(string(a.Category), strings.TrimSpace(c.Value)) {
			return true, math.Max(a.Certainty, categoryFloor)
		}
		return false, 0
	}

	values := fieldValues(c.Field, msg, a)
	want := strings.ToLower(strings.TrimSpace(c.Value))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		switch c.Operator {
		case OpEquals:
			if v == want {
				return true, equalsConfidence
			}
		case OpContains:
			if strings.Contains(v, want) {
				return true, containsConfidence
			}
		}
	}
	return false, 0
}

func fieldValues(f Field, msg model.Message, a model.Analysis) []string {
	switch f {
	case FieldFrom:
		return []string{msg.SenderAddress(), msg.Sender}
	case FieldSenderDomain:
		return []string{msg.SenderDomain()}
	case FieldTo:
		out := make([]string, 0, len(msg.Recipients))
		for _, r := range msg.Recipients {
			out = append(out, model.NormalizeAddress(r))
		}
		return out
	case FieldSubject:
		return []string{msg.Subject}
	case FieldBody:
		return []string{msg.Body()}
	case FieldIntent:
		return []string{a.Intent.Label, a.Intent.Description}
	case FieldUrgency:
		return []string{string(a.Urgency)}
	case FieldSentiment:
		return []string{string(a.Sentiment)}
	case FieldSenderRelationship:
		return []string{string(a.SenderRelationship)}
	case FieldCategory:
		return []string{string(a.Category)}
	}
	return nil
}

// Effects 命中策略对流程的汇总影响
type Effects struct {
	ForceReview     bool
	Escalate        bool
	Mute            bool
	PriorityDelta   int
	SuggestedAction model.ActionType
	Reasons         []string
}

// Summarize 汇总命中策略的动作；suggest_action 取置信度最高的那条
func Summarize(matches []model.PolicyMatch) Effects {
	var e Effects
	for _, m := range matches {
		for _, a := range m.Actions {
			switch a.Type {
			case model.PolicyRequireReview:
				e.ForceReview = true
				e.Reasons = append(e.Reasons, fmt.Sprintf("policy %q requires review", m.PolicyName))
			case model.PolicyEscalate:
				e.Escalate = true
				e.ForceReview = true
				e.Reasons = append(e.Reasons, fmt.Sprintf("policy %q escalates", m.PolicyName))
			case model.PolicyMute:
				e.Mute = true
			case model.PolicySetPriority:
				e.PriorityDelta += priorityDelta(a.Value)
			case model.PolicySuggestAction:
				if e.SuggestedAction == "" {
					if t, err := model.ParseActionType(a.Value); err == nil {
						e.SuggestedAction = t
					}
				}
			}
		}
	}
	return e
}

func priorityDelta(v string) int {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high":
		return 25
	case "low":
		return -25
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}
