package model

import "time"

// WritingStyleProfile 从已发送邮件和用户修改中学习到的写作风格，作为整体原子写入
type WritingStyleProfile struct {
	Tone          string   `json:"tone,omitempty"`
	Formality     float64  `json:"formality"`
	AvgWords      int      `json:"avg_words"`
	Greeting      string   `json:"greeting,omitempty"`
	SignOff       string   `json:"sign_off,omitempty"`
	UsesBullets   bool     `json:"uses_bullets"`
	CommonPhrases []string `json:"common_phrases,omitempty"`
	SampleSize    int      `json:"sample_size"`

	// 草稿被用户修改后的长度比例（修改后 / 原稿）
	EditLengthRatio float64  `json:"edit_length_ratio,omitempty"`
	EditInsights    []string `json:"edit_insights,omitempty"`
	EditSampleSize  int      `json:"edit_sample_size"`

	UpdatedAt time.Time `json:"updated_at"`
}
