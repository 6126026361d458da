package model

import "mailpilot/pkg/plan"

// AutonomyLevel 用户授予代理的自治程度
type AutonomyLevel string

const (
	AutonomyLow    AutonomyLevel = "low"
	AutonomyMedium AutonomyLevel = "medium"
	AutonomyHigh   AutonomyLevel = "high"
)

func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	return parseEnum("autonomy level", s, AutonomyLow, AutonomyMedium, AutonomyHigh)
}

// NotificationChannel 通知渠道
type NotificationChannel string

const (
	ChannelLog      NotificationChannel = "log"
	ChannelTelegram NotificationChannel = "telegram"
	ChannelWebhook  NotificationChannel = "webhook"
)

func ParseNotificationChannel(s string) (NotificationChannel, error) {
	return parseEnum("notification channel", s, ChannelLog, ChannelTelegram, ChannelWebhook)
}

// NotificationTarget 用户的通知投递目标
type NotificationTarget struct {
	Channel        NotificationChannel
	TelegramChatID int64
	WebhookURL     string
}

// UserContext 一次分拣周期所需的用户信息
type UserContext struct {
	ID          int64
	OrgID       int64
	Email       string
	DisplayName string
	Plan        plan.Tier
	Autonomy    AutonomyLevel
	Preferences Preferences
	Style       *WritingStyleProfile
	Provider    string
	// 解密后的服务商凭证，对核心流程不透明
	Credentials       []byte
	SyncCursor        string
	ReconnectRequired bool
	// 历史采纳率 [0,1]
	AcceptanceRate float64
	Notification   NotificationTarget
}

// EffectiveAutonomy 档位不支持自动执行时降为 low
func (u UserContext) EffectiveAutonomy() AutonomyLevel {
	if !u.Plan.Has(plan.FeatureAutoExecute) {
		return AutonomyLow
	}
	return u.Autonomy
}
