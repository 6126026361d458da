package drafter

import (
	"mailpilot/internal/model"
)

// Guidance 合并后的写作指引：先取学习到的风格，再用用户显式偏好覆盖
type Guidance struct {
	Tone            string
	Length          string
	SignOff         string
	SignOffExplicit bool
	Greeting        string
	Language        string
	TargetWords     int
	UsesBullets     bool
	Phrases         []string
	EditInsights    []string
}

var lengthWords = map[model.Length]int{
	model.LengthShort:  60,
	model.LengthMedium: 150,
	model.LengthLong:   300,
}

// ResolveGuidance 显式偏好永远优先于风格画像
func ResolveGuidance(prefs model.Preferences, style *model.WritingStyleProfile) Guidance {
	g := Guidance{Tone: string(model.ToneProfessional), Length: string(model.LengthMedium), TargetWords: lengthWords[model.LengthMedium]}

	if style != nil && style.SampleSize > 0 {
		if style.Tone != "" {
			g.Tone = style.Tone
		}
		if style.AvgWords > 0 {
			g.TargetWords = style.AvgWords
			g.Length = lengthLabel(style.AvgWords)
		}
		g.SignOff = style.SignOff
		g.Greeting = style.Greeting
		g.UsesBullets = style.UsesBullets
		g.Phrases = style.CommonPhrases
	}
	if style != nil && style.EditSampleSize > 0 {
		g.EditInsights = style.EditInsights
		if style.EditLengthRatio > 0 && g.TargetWords > 0 {
			g.TargetWords = int(float64(g.TargetWords) * style.EditLengthRatio)
		}
	}

	if prefs.Tone != "" {
		g.Tone = string(prefs.Tone)
	}
	if prefs.Length != "" {
		g.Length = string(prefs.Length)
		g.TargetWords = lengthWords[prefs.Length]
	}
	if prefs.SignOff != "" {
		g.SignOff = prefs.SignOff
		g.SignOffExplicit = true
	}
	if prefs.Language != "" {
		g.Language = prefs.Language
	}
	return g
}

func lengthLabel(words int) string {
	switch {
	case words <= 80:
		return string(model.LengthShort)
	case words <= 220:
		return string(model.LengthMedium)
	default:
		return string(model.LengthLong)
	}
}
