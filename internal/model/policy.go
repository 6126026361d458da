package model

import "encoding/json"

// Policy 用户配置的处理规则，核心流程只读
type Policy struct {
	ID     int64
	UserID int64
	Name   string
	// {conditions: [...], actions: [...]}
	Rules  json.RawMessage
	Active bool
}

// PolicyActionType 策略命中后的动作
type PolicyActionType string

const (
	PolicyRequireReview PolicyActionType = "require_review"
	PolicyEscalate      PolicyActionType = "escalate"
	PolicySetPriority   PolicyActionType = "set_priority"
	PolicySuggestAction PolicyActionType = "suggest_action"
	PolicyMute          PolicyActionType = "mute"
)

func ParsePolicyActionType(s string) (PolicyActionType, error) {
	return parseEnum("policy action", s,
		PolicyRequireReview, PolicyEscalate, PolicySetPriority, PolicySuggestAction, PolicyMute)
}

// PolicyAction 策略动作
type PolicyAction struct {
	Type  PolicyActionType `json:"type"`
	Value string           `json:"value,omitempty"`
}

// PolicyMatch 一条命中的策略
type PolicyMatch struct {
	PolicyID   int64          `json:"policy_id"`
	PolicyName string         `json:"policy_name"`
	Confidence float64        `json:"confidence"`
	Rule       string         `json:"rule"`
	Reasoning  string         `json:"reasoning"`
	Actions    []PolicyAction `json:"actions"`
}

// HasAction 命中结果中是否包含某类动作
func HasPolicyAction(matches []PolicyMatch, t PolicyActionType) bool {
	for _, m := range matches {
		for _, a := range m.Actions {
			if a.Type == t {
				return true
			}
		}
	}
	return false
}
