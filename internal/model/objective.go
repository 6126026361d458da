package model

import "time"

// ObjectiveStatus 目标状态，任意状态之间都可以转换
type ObjectiveStatus string

const (
	ObjectiveWaitingOnYou    ObjectiveStatus = "waiting_on_you"
	ObjectiveWaitingOnOthers ObjectiveStatus = "waiting_on_others"
	ObjectiveHandled         ObjectiveStatus = "handled"
	ObjectiveScheduled       ObjectiveStatus = "scheduled"
	ObjectiveMuted           ObjectiveStatus = "muted"
)

func ParseObjectiveStatus(s string) (ObjectiveStatus, error) {
	return parseEnum("objective status", s,
		ObjectiveWaitingOnYou, ObjectiveWaitingOnOthers, ObjectiveHandled, ObjectiveScheduled, ObjectiveMuted)
}

// Objective 用户的一个待办目标，聚合一个或多个会话
type Objective struct {
	ID        int64
	UserID    int64
	Title     string
	Status    ObjectiveStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation 对应服务商的一个线程
type Conversation struct {
	ID               int64
	ObjectiveID      int64
	UserID           int64
	ProviderThreadID string
	Participants     []string
	CreatedAt        time.Time
}

// StatusAfterExecution 动作执行成功后目标应处的状态
func StatusAfterExecution(t ActionType) ObjectiveStatus {
	switch t {
	case ActionSend:
		return ObjectiveWaitingOnOthers
	case ActionFile, ActionTriage:
		return ObjectiveHandled
	case ActionSchedule:
		return ObjectiveScheduled
	default:
		// 草稿已写入邮箱，仍需用户发送
		return ObjectiveWaitingOnYou
	}
}
