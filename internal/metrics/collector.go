package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 轮次指标
	roundsTotal       *prometheus.CounterVec
	roundDuration     *prometheus.HistogramVec
	agentTurnsTotal   *prometheus.CounterVec
	agentTurnDuration *prometheus.HistogramVec
	repliesQueued     prometheus.Counter

	// 门控指标
	gateDenialsTotal *prometheus.CounterVec

	// 模型指标
	llmTokensUsed *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 轮次指标
	c.roundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of deliberation rounds",
		},
		[]string{"phase", "outcome"}, // outcome: completed, partial, cancelled
	)

	c.roundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Deliberation round duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"phase"},
	)

	c.agentTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Total number of agent turns",
		},
		[]string{"model", "status"}, // status: completed, failed, cancelled
	)

	c.agentTurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_duration_seconds",
			Help:      "Agent turn duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	c.repliesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "human_replies_queued_total",
			Help:      "Total number of human replies queued during active rounds",
		},
	)

	// 门控指标
	c.gateDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_denials_total",
			Help:      "Total number of requests denied by the resilience gate",
		},
		[]string{"primitive"}, // primitive: ratelimit, idempotency, concurrency, circuit
	)

	// 模型指标
	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗣️ 轮次指标记录
// =============================================================================

// RecordRound 记录一次轮次运行
func (c *Collector) RecordRound(phase, outcome string, duration time.Duration) {
	c.roundsTotal.WithLabelValues(phase, outcome).Inc()
	c.roundDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordAgentTurn 记录一个 Agent 回合
func (c *Collector) RecordAgentTurn(model, status string, duration time.Duration) {
	c.agentTurnsTotal.WithLabelValues(model, status).Inc()
	c.agentTurnDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordReplyQueued 记录一条排队的用户追问
func (c *Collector) RecordReplyQueued() {
	c.repliesQueued.Inc()
}

// =============================================================================
// 🛡️ 门控指标记录
// =============================================================================

// RecordGateDenial 记录一次门控拒绝
func (c *Collector) RecordGateDenial(primitive string) {
	c.gateDenialsTotal.WithLabelValues(primitive).Inc()
}

// =============================================================================
// 🤖 模型指标记录
// =============================================================================

// RecordTokens 记录 Token 用量
func (c *Collector) RecordTokens(provider, model string, promptTokens, completionTokens int) {
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
