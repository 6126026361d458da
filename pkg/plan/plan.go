// Package plan 根据订阅档位决定可用的自治功能
package plan

import "fmt"

// Tier 订阅档位
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Feature 功能开关
type Feature string

const (
	// 允许门控给出 AUTO_EXECUTE
	FeatureAutoExecute Feature = "autonomy:auto_execute"
	// 允许自动发送（不可逆）
	FeatureAutoSend Feature = "autonomy:auto_send"
	// 从已发送邮件学习写作风格
	FeatureStyleLearning Feature = "feedback:style_learning"
	// 从用户修改中学习
	FeatureEditLearning Feature = "feedback:edit_learning"
)

// 档位功能映射
var tierFeatures = map[Tier][]Feature{
	TierFree: {},
	TierPro: {
		FeatureAutoExecute,
		FeatureStyleLearning,
	},
	TierBusiness: {
		FeatureAutoExecute,
		FeatureAutoSend,
		FeatureStyleLearning,
		FeatureEditLearning,
	},
}

// ParseTier 解析档位，未知值返回错误
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierFeatures[t]; !ok {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return t, nil
}

// Has 检查档位是否包含功能；未知档位没有任何功能
func (t Tier) Has(f Feature) bool {
	for _, feature := range tierFeatures[t] {
		if feature == f {
			return true
		}
	}
	return false
}

// Check 与 Has 相同，但返回错误，便于在 handler 中直接返回
func (t Tier) Check(f Feature) error {
	if !t.Has(f) {
		return &FeatureUnavailableError{Tier: t, Feature: f}
	}
	return nil
}

// FeatureUnavailableError 表示当前档位不包含该功能
type FeatureUnavailableError struct {
	Tier    Tier
	Feature Feature
}

func (e *FeatureUnavailableError) Error() string {
	return fmt.Sprintf("feature %s is not available on the %s plan", e.Feature, e.Tier)
}
