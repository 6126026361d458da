package mq

import "time"

// SyncSource 同步请求来源
const (
	SyncSourceScheduler = "scheduler"
	SyncSourceAPI       = "api"
	SyncSourceCLI       = "cli"
)

// SyncRequestedPayload 请求为一个用户执行一次收件同步 + 分拣
type SyncRequestedPayload struct {
	RequestID   string    `json:"request_id"`
	UserID      int64     `json:"user_id"`
	Source      string    `json:"source"`
	TraceID     string    `json:"trace_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// StyleLearnRequestedPayload 请求重新学习用户写作风格
type StyleLearnRequestedPayload struct {
	RequestID   string    `json:"request_id"`
	UserID      int64     `json:"user_id"`
	Reason      string    `json:"reason"` // schedule / edit / manual
	TraceID     string    `json:"trace_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
