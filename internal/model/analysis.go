package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentiment 情绪
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

func (s *Sentiment) UnmarshalText(b []byte) error {
	v, err := parseEnum("sentiment", string(b), SentimentPositive, SentimentNeutral, SentimentNegative)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Urgency 紧急程度
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

func (u *Urgency) UnmarshalText(b []byte) error {
	v, err := parseEnum("urgency", string(b), UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyUrgent)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Category 邮件类别
type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryRequest      Category = "request"
	CategoryQuestion     Category = "question"
	CategoryMeeting      Category = "meeting"
	CategoryBilling      Category = "billing"
	CategoryLegal        Category = "legal"
	CategorySupport      Category = "support"
	CategorySales        Category = "sales"
	CategoryPersonal     Category = "personal"
	CategoryNewsletter   Category = "newsletter"
	CategoryNotification Category = "notification"
)

var allCategories = []Category{
	CategoryGeneral, CategoryRequest, CategoryQuestion, CategoryMeeting, CategoryBilling, CategoryLegal,
	CategorySupport, CategorySales, CategoryPersonal, CategoryNewsletter, CategoryNotification,
}

func ParseCategory(s string) (Category, error) {
	return parseEnum("category", s, allCategories...)
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Bulk 批量或自动发送的类别，不需要回复
func (c Category) Bulk() bool {
	return c == CategoryNewsletter || c == CategoryNotification
}

// SenderRelationship 发件人与用户的关系
type SenderRelationship string

const (
	RelationshipUnknown   SenderRelationship = "unknown"
	RelationshipColleague SenderRelationship = "colleague"
	RelationshipClient    SenderRelationship = "client"
	RelationshipVendor    SenderRelationship = "vendor"
	RelationshipPersonal  SenderRelationship = "personal"
	RelationshipAutomated SenderRelationship = "automated"
)

func (r *SenderRelationship) UnmarshalText(b []byte) error {
	v, err := parseEnum("sender relationship", string(b),
		RelationshipUnknown, RelationshipColleague, RelationshipClient, RelationshipVendor,
		RelationshipPersonal, RelationshipAutomated)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Intent 来信意图
type Intent struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Analysis 邮件分析结果
type Analysis struct {
	Intent                    Intent             `json:"intent"`
	Sentiment                 Sentiment          `json:"sentiment"`
	Urgency                   Urgency            `json:"urgency"`
	Category                  Category           `json:"category"`
	Actionable                bool               `json:"actionable"`
	LikelySpam                bool               `json:"likely_spam"`
	RequiresImmediateResponse bool               `json:"requires_immediate_response"`
	SenderRelationship        SenderRelationship `json:"sender_relationship"`
	KeyPoints                 []string           `json:"key_points"`
	Summary                   string             `json:"summary"`
	// 模型对本次分析的把握程度 [0,1]
	Certainty float64 `json:"certainty"`
}

// DefaultAnalysis 分析失败时的降级结果：general / neutral / low
func DefaultAnalysis() Analysis {
	return Analysis{
		Intent:             Intent{Label: "unknown", Description: "analysis unavailable"},
		Sentiment:          SentimentNeutral,
		Urgency:            UrgencyLow,
		Category:           CategoryGeneral,
		SenderRelationship: RelationshipUnknown,
	}
}

// Validate 校验必填字段和取值范围
func (a Analysis) Validate() error {
	var errs []error
	if strings.TrimSpace(a.Intent.Label) == "" {
		errs = append(errs, errors.New("intent.label is required"))
	}
	if a.Sentiment == "" {
		errs = append(errs, errors.New("sentiment is required"))
	}
	if a.Urgency == "" {
		errs = append(errs, errors.New("urgency is required"))
	}
	if a.Category == "" {
		errs = append(errs, errors.New("category is required"))
	}
	if a.SenderRelationship == "" {
		errs = append(errs, errors.New("sender_relationship is required"))
	}
	if a.Certainty < 0 || a.Certainty > 1 {
		errs = append(errs, fmt.Errorf("certainty %.2f out of [0,1]", a.Certainty))
	}
	return errors.Join(errs...)
}
