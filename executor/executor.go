package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/compaction"
	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/events"
	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/internal/metrics"
	"github.com/BaSui01/agenttree/internal/telemetry"
	"github.com/BaSui01/agenttree/internal/tokenizer"
	"github.com/BaSui01/agenttree/reasoning"
	"github.com/BaSui01/agenttree/types"
)

// Config 执行循环的保护参数
type Config struct {
	// MaxTurns 单节点最大推理轮数，超过后节点失败上报
	MaxTurns int
	// MaxIdleDecisions 连续无可执行决策的上限
	MaxIdleDecisions int
	// MaxForbiddenDelegations 越权委派的上限
	MaxForbiddenDelegations int
	// HILTimeout HIL 等待上限，0 表示无限等待
	HILTimeout time.Duration
	// Model 透传给推理引擎，同时决定 token 计数方式
	Model string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxTurns:                200,
		MaxIdleDecisions:        5,
		MaxForbiddenDelegations: 3,
	}
}

// ConfigFrom 从编排配置构建
func ConfigFrom(c config.OrchestratorConfig, model string) Config {
	cfg := DefaultConfig()
	if c.MaxTurns > 0 {
		cfg.MaxTurns = c.MaxTurns
	}
	if c.MaxIdleDecisions > 0 {
		cfg.MaxIdleDecisions = c.MaxIdleDecisions
	}
	if c.MaxForbiddenDelegations > 0 {
		cfg.MaxForbiddenDelegations = c.MaxForbiddenDelegations
	}
	cfg.HILTimeout = c.HILTimeout
	cfg.Model = model
	return cfg
}

// Deps 执行器依赖
type Deps struct {
	Reasoner  reasoning.Reasoner
	Gateway   *gateway.Gateway
	Compactor *compaction.Compactor
	Logs      *actionlog.Store
	Metrics   *metrics.Collector
	Tokens    tokenizer.Counter
	// Models 返回 Agent 专属模型，空串表示使用 Config.Model
	Models func(agentID string) string
}

// Session 一次运行内各节点共享的上下文
type Session struct {
	Manager  *hierarchy.Manager
	Events   *events.RunEmitter
	AutoMode bool
	// Stopped 在步骤之间检查的外部停止标志
	Stopped func() bool
}

// OutcomeKind 单次 Run 的结果类型
type OutcomeKind string

const (
	OutcomeDelegated   OutcomeKind = "delegated"
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeInterrupted OutcomeKind = "interrupted"
)

// Outcome 节点本次执行的去向
type Outcome struct {
	Kind    OutcomeKind
	NodeID  string
	AgentID string
	// Child 委派时新建的子节点
	Child *hierarchy.CallNode
	// Parent 完成或失败后恢复的父节点，根节点结束时为 nil
	Parent *hierarchy.CallNode
	// Result 最终答案或失败原因
	Result string
}

const idleReminder = "The previous reply contained no actionable decision. " +
	"Respond with exactly one of: a tool call, a delegation to an allowed child agent, a thought, or a final answer."

// Executor 节点执行器，可在多个运行间共享
type Executor struct {
	cfg       Config
	reasoner  reasoning.Reasoner
	gateway   *gateway.Gateway
	compactor *compaction.Compactor
	logs      *actionlog.Store
	metrics   *metrics.Collector
	tokens    tokenizer.Counter
	models    func(agentID string) string
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// New 创建执行器
func New(cfg Config, deps Deps, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.MaxIdleDecisions <= 0 {
		cfg.MaxIdleDecisions = def.MaxIdleDecisions
	}
	if cfg.MaxForbiddenDelegations <= 0 {
		cfg.MaxForbiddenDelegations = def.MaxForbiddenDelegations
	}
	if deps.Tokens == nil {
		deps.Tokens = tokenizer.New(cfg.Model, logger)
	}
	if deps.Compactor == nil {
		deps.Compactor = compaction.New(compaction.DefaultConfig(), nil, logger)
	}
	return &Executor{
		cfg:       cfg,
		reasoner:  deps.Reasoner,
		gateway:   deps.Gateway,
		compactor: deps.Compactor,
		logs:      deps.Logs,
		metrics:   deps.Metrics,
		tokens:    deps.Tokens,
		models:    deps.Models,
		tracer:    telemetry.Tracer(),
		logger:    logger.With(zap.String("component", "executor")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run 驱动节点直到委派、完成、失败或中断。
// 返回的 error 只表示致命错误（持久化失败等），节点内的失败以 Outcome 表达。
func (e *Executor) Run(ctx context.Context, s Session, nodeID string) (Outcome, error) {
	node, ok := s.Manager.Node(nodeID)
	if !ok {
		return Outcome{}, types.NewError(types.ErrNotFound, fmt.Sprintf("node %s not found", nodeID))
	}
	if s.Events == nil {
		s.Events = events.NewRunEmitter(nil, s.Manager.TaskID())
	}

	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		telemetry.AttrTaskID.String(s.Manager.TaskID()),
		telemetry.AttrNodeID.String(node.ID),
		telemetry.AttrAgentID.String(node.AgentID),
	))
	log, err := e.logs.LoadOrCreate(ctx, s.Manager.TaskKey(), s.Manager.TaskID(), node.ID, node.AgentID, node.Input)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Outcome{}, err
	}

	r := &nodeRun{
		e:      e,
		s:      s,
		node:   node,
		log:    log,
		logger: e.logger.With(zap.String("node_id", node.ID), zap.String("agent_id", node.AgentID)),
	}
	out, err := r.run(ctx)
	telemetry.EndSpan(span, err)
	if err == nil {
		r.logger.Info("node run returned",
			zap.String("outcome", string(out.Kind)),
			zap.Int("turns", r.log.Counters.Turns),
			zap.Int64("next_seq", r.log.NextSeq),
		)
	}
	return out, err
}

func (e *Executor) modelFor(agentID string) string {
	if e.models != nil {
		if m := e.models(agentID); m != "" {
			return m
		}
	}
	return e.cfg.Model
}
