package model

import (
	"errors"
	"strings"
)

// Draft 回复草稿
type Draft struct {
	Subject         string     `json:"subject"`
	Body            string     `json:"body"`
	SuggestedAction ActionType `json:"suggested_action"`
	Reasoning       string     `json:"reasoning"`
}

// Validate 校验草稿结构；只允许 draft / send / schedule
func (d Draft) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Body) == "" {
		errs = append(errs, errors.New("body is required"))
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		errs = append(errs, errors.New("reasoning is required"))
	}
	if !contains(d.SuggestedAction, ActionDraft, ActionSend, ActionSchedule) {
		errs = append(errs, errors.New("suggested_action must be draft, send or schedule"))
	}
	return errors.Join(errs...)
}

// Tone 语气偏好
type Tone string

const (
	ToneFormal       Tone = "formal"
	ToneFriendly     Tone = "friendly"
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
)

// Length 长度偏好
type Length string

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

// Preferences 用户显式设置的回复偏好，优先于学习到的写作风格
type Preferences struct {
	Tone     Tone   `json:"tone,omitempty"`
	Length   Length `json:"length,omitempty"`
	SignOff  string `json:"sign_off,omitempty"`
	Language string `json:"language,omitempty"`
}
