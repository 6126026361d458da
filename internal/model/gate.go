package model

// GateDecision 自治门控的输出
type GateDecision struct {
	Decision Decision
	Reason   string
	// 运行时断言触发（高风险请求自动执行被拦截）
	NearMiss bool
}
