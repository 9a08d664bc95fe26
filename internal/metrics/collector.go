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

// Collector 指标收集器。nil Collector 的所有 Record 方法均为空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge

	// 执行器指标
	stepsTotal        *prometheus.CounterVec
	delegationsTotal  *prometheus.CounterVec
	reasoningTotal    *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec
	reasoningTokens   *prometheus.CounterVec
	contextTokens     *prometheus.HistogramVec

	// 压缩指标
	compactionsTotal   *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec

	// 工具与 HIL 指标
	toolCallsTotal *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	hilTotal       *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 在 reg 上注册指标；reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 运行指标
	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of orchestration runs by final status",
		},
		[]string{"status"},
	)
	c.runDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Orchestration run duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"status"},
	)
	c.activeRuns = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Number of runs currently holding a task lock in this process",
	})

	// 执行器指标
	c.stepsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of action log entries appended",
		},
		[]string{"agent_id", "kind", "status"},
	)
	c.delegationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Total number of delegation attempts",
		},
		[]string{"from", "to", "result"},
	)
	c.reasoningTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_requests_total",
			Help:      "Total number of reasoning engine requests",
		},
		[]string{"agent_id", "status"},
	)
	c.reasoningDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoning_duration_seconds",
			Help:      "Reasoning engine request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id"},
	)
	c.reasoningTokens = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_tokens_total",
			Help:      "Tokens reported by the reasoning engine",
		},
		[]string{"agent_id", "type"}, // type: prompt, completion
	)
	c.contextTokens = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoped_context_tokens",
			Help:      "Estimated tokens of the scoped context handed to the reasoning engine",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		},
		[]string{"agent_id"},
	)

	// 压缩指标
	c.compactionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Total number of compaction attempts by result",
		},
		[]string{"agent_id", "result"}, // result: compacted, degraded
	)
	c.compactionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Compaction duration in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent_id"},
	)

	// 工具与 HIL 指标
	c.toolCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total number of tool invocations through the gateway",
		},
		[]string{"tool", "status", "decision"},
	)
	c.toolDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation duration in seconds, waiting included",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
		},
		[]string{"tool"},
	)
	c.hilTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hil_events_total",
			Help:      "Human-in-the-loop requests and responses",
		},
		[]string{"event"}, // event: requested, responded
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🌲 运行与执行器指标记录
// =============================================================================

// RunStarted 运行获得任务锁
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// RunFinished 运行结束
func (c *Collector) RunFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStep 记录一条动作日志
func (c *Collector) RecordStep(agentID, kind string, ok bool) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(agentID, kind, okLabel(ok)).Inc()
}

// RecordDelegation 记录委派尝试，result: accepted, rejected
func (c *Collector) RecordDelegation(from, to, result string) {
	if c == nil {
		return
	}
	c.delegationsTotal.WithLabelValues(from, to, result).Inc()
}

// RecordReasoning 记录一次推理调用
func (c *Collector) RecordReasoning(agentID string, ok bool, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.reasoningTotal.WithLabelValues(agentID, okLabel(ok)).Inc()
	c.reasoningDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	c.reasoningTokens.WithLabelValues(agentID, "prompt").Add(float64(promptTokens))
	c.reasoningTokens.WithLabelValues(agentID, "completion").Add(float64(completionTokens))
}

// RecordContextTokens 记录作用域上下文的 token 估算
func (c *Collector) RecordContextTokens(agentID string, tokens int) {
	if c == nil {
		return
	}
	c.contextTokens.WithLabelValues(agentID).Observe(float64(tokens))
}

// RecordCompaction 记录压缩结果
func (c *Collector) RecordCompaction(agentID string, degraded bool, duration time.Duration) {
	if c == nil {
		return
	}
	result := "compacted"
	if degraded {
		result = "degraded"
	}
	c.compactionsTotal.WithLabelValues(agentID, result).Inc()
	c.compactionDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordToolCall 记录工具调用
func (c *Collector) RecordToolCall(tool, status, decision string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(tool, status, decision).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordHIL 记录 HIL 事件
func (c *Collector) RecordHIL(event string) {
	if c == nil {
		return
	}
	c.hilTotal.WithLabelValues(event).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
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

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
