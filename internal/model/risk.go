package model

import (
	"errors"
	"fmt"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func ParseRiskLevel(s string) (RiskLevel, error) {
	return parseEnum("risk level", s, RiskLow, RiskMedium, RiskHigh)
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Rank 用于比较风险高低；未知值按 high 处理
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// Valid 是否为已知取值
func (r RiskLevel) Valid() bool {
	return contains(r, RiskLow, RiskMedium, RiskHigh)
}

// MaxRisk 返回较高的风险等级
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if !l.Valid() {
			return RiskHigh
		}
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// RiskAssessment 风险评估结果
type RiskAssessment struct {
	Level     RiskLevel `json:"level"`
	Financial bool      `json:"financial"`
	Legal     bool      `json:"legal"`
	Factors   []string  `json:"factors"`
}

// Validate medium/high 时必须给出风险因素
func (r RiskAssessment) Validate() error {
	if !r.Level.Valid() {
		return fmt.Errorf("invalid risk level %q", r.Level)
	}
	if r.Level != RiskLow && len(r.Factors) == 0 {
		return errors.New("risk factors are required for medium and high risk")
	}
	return nil
}
