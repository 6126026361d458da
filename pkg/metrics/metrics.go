package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 连接事件：opened / dial_failed / lost / closed
	MQConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_connection_events_total",
			Help: "RabbitMQ connection lifecycle events",
		},
		[]string{"connection", "event"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"routing_key", "queue", "status"},
	)

	// LLM 调用延迟（毫秒），按调用方组件区分
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "LLM completion latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10),
		},
		[]string{"provider", "component", "status"},
	)

	// 邮件服务商调用延迟（毫秒）
	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_provider_call_latency_ms",
			Help:    "Mail provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(20, 2, 10),
		},
		[]string{"provider", "operation", "status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 单个用户同步耗时（秒）
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_sync_duration_seconds",
			Help:    "Duration of one user's triage cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	// 门控决策计数
	GateDecisionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autonomy_gate_decisions_total",
			Help: "Total number of autonomy gate decisions",
		},
		[]string{"decision", "risk_level"},
	)

	// 安全断言触发次数：高风险被请求自动执行
	SafetyNearMissCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autonomy_gate_safety_near_miss_total",
			Help: "Times the gate's runtime assertion converted a high-risk auto execution into review",
		},
	)

	// 邮件处理计数
	MessageProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_messages_processed_total",
			Help: "Total number of messages processed by the triage pipeline",
		},
		[]string{"status"}, // status: decided, skipped, failed, duplicate
	)

	// 动作执行结果
	ActionExecutionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_action_executions_total",
			Help: "Total number of agent action executions",
		},
		[]string{"action_type", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Total number of slow database queries",
		},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow database queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)
)

// IncrementMQConnection 记录 MQ 连接事件
func IncrementMQConnection(connection, event string) {
	MQConnectionEvents.WithLabelValues(connection, event).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue, status string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue, status).Observe(float64(duration.Milliseconds()))
}

// RecordLLMCallLatency 记录 LLM 调用延迟
func RecordLLMCallLatency(provider, component, status string, duration time.Duration) {
	LLMCallLatency.WithLabelValues(provider, component, status).Observe(float64(duration.Milliseconds()))
}

// RecordProviderCallLatency 记录邮件服务商调用延迟
func RecordProviderCallLatency(provider, operation, status string, duration time.Duration) {
	ProviderCallLatency.WithLabelValues(provider, operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordSyncDuration 记录一次用户同步的耗时
func RecordSyncDuration(status string, duration time.Duration) {
	SyncDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncrementGateDecision 增加门控决策计数
func IncrementGateDecision(decision, riskLevel string) {
	GateDecisionCount.WithLabelValues(decision, riskLevel).Inc()
}

// IncrementSafetyNearMiss 增加安全断言触发计数
func IncrementSafetyNearMiss() {
	SafetyNearMissCount.Inc()
}

// IncrementMessageProcessed 增加邮件处理计数
func IncrementMessageProcessed(status string) {
	MessageProcessedCount.WithLabelValues(status).Inc()
}

// IncrementActionExecution 增加动作执行计数
func IncrementActionExecution(actionType, status string) {
	ActionExecutionCount.WithLabelValues(actionType, status).Inc()
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(duration time.Duration) {
	SlowQueryCount.Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}
