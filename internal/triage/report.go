package triage

import (
	"mailpilot/internal/model"
	"mailpilot/internal/policy"
)

// Outcome 单封邮件的分拣结果
type Outcome struct {
	MessageID         int64
	ActionID          int64
	ActionType        model.ActionType
	Decision          model.Decision
	Risk              model.RiskLevel
	Confidence        int
	NearMiss          bool
	Executed          bool
	ExecutionFailed   bool
	ReconnectRequired bool
}

// Report 一次同步的统计
type Report struct {
	UserID         int64
	Listed         int
	Ingested       int
	Duplicates     int
	CursorAdvanced bool

	Processed    int
	Failed       int
	ManualQueued int

	AutoExecuted      int
	Queued            int
	Escalated         int
	ExecutionFailures int
	NearMisses        int

	Outcomes []Outcome
}

func (r *Report) record(o Outcome) {
	r.Processed++
	r.Outcomes = append(r.Outcomes, o)
	if o.NearMiss {
		r.NearMisses++
	}
	if o.ExecutionFailed {
		r.ExecutionFailures++
	}
	switch {
	case o.Executed:
		r.AutoExecuted++
	case o.Decision == model.DecisionEscalate:
		r.Escalated++
	case o.Decision == model.DecisionQueueForReview:
		r.Queued++
	}
}

// Priority 审核队列排序分：50 为基准，按紧急程度、发件人关系、垃圾信号和策略调整，截断到 [0,100]
func Priority(a model.Analysis, e policy.Effects) int {
	p := 50
	switch a.Urgency {
	case model.UrgencyUrgent:
		p += 30
	case model.UrgencyHigh:
		p += 20
	case model.UrgencyMedium:
		p += 5
	case model.UrgencyLow:
		p -= 5
	}
	if a.RequiresImmediateResponse {
		p += 10
	}
	switch a.SenderRelationship {
	case model.RelationshipClient:
		p += 10
	case model.RelationshipColleague, model.RelationshipPersonal:
		p += 5
	case model.RelationshipAutomated:
		p -= 15
	}
	if a.LikelySpam {
		p -= 30
	}
	if a.Category.Bulk() {
		p -= 15
	}
	p += e.PriorityDelta
	return min(max(p, 0), 100)
}

// ObjectiveStatus 决策之后目标所处的状态
func ObjectiveStatus(t model.ActionType, d model.Decision, muted bool) model.ObjectiveStatus {
	if muted {
		return model.ObjectiveMuted
	}
	if d != model.DecisionAutoExecute {
		return model.ObjectiveWaitingOnYou
	}
	return model.StatusAfterExecution(t)
}
