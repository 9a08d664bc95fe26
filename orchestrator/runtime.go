package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/compaction"
	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/events"
	"github.com/BaSui01/agenttree/executor"
	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/internal/metrics"
	"github.com/BaSui01/agenttree/internal/telemetry"
	"github.com/BaSui01/agenttree/internal/tokenizer"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/reasoning"
)

// RuntimeOptions 覆盖由配置构建的组件，主要用于测试与 CLI
type RuntimeOptions struct {
	// Reasoner 非空时替代 HTTP 推理客户端
	Reasoner reasoning.Reasoner
	// Backend 非空时替代按 store 配置创建的存储
	Backend *persistence.Backend
	// Tools 额外注册的本地工具
	Tools []gateway.Tool
	// Registerer Prometheus 注册表，空则使用默认注册表
	Registerer prometheus.Registerer
	// Sinks 额外的事件接收者，Hub 总是第一个
	Sinks []events.Sink
}

// Runtime 一个进程内的完整编排装配
type Runtime struct {
	Config        *config.Config
	Library       *config.AgentLibrary
	Backend       *persistence.Backend
	Registry      *hierarchy.Registry
	Tools         *gateway.Registry
	Gateway       *gateway.Gateway
	Confirmations *gateway.ConfirmationManager
	HIL           *hitl.Queue
	Logs          *actionlog.Store
	Hub           *events.Hub
	Metrics       *metrics.Collector
	Executor      *executor.Executor
	Engine        *Engine

	logger *zap.Logger
}

// NewRuntime 按配置装配存储、网关、HIL、推理与执行器
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lib, err := config.NewAgentLibrary(cfg.Agents)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = persistence.NewBackend(ctx, cfg.Store, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	o := cfg.Orchestrator
	collector := metrics.NewCollector("agenttree", opts.Registerer, logger)

	tools := gateway.NewRegistry(logger)
	for _, t := range opts.Tools {
		if err := tools.Register(t, gateway.DefaultToolTimeout); err != nil {
			return nil, err
		}
	}
	if cfg.ToolServer.URL != "" {
		client := gateway.NewRemoteClient(gateway.RemoteConfig{
			BaseURL:   cfg.ToolServer.URL,
			Timeout:   cfg.ToolServer.Timeout,
			RateLimit: cfg.ToolServer.RateLimitRPS,
			Burst:     cfg.ToolServer.RateLimitBurst,
		}, logger)
		if err := gateway.RegisterRemote(tools, client, remoteToolNames(cfg, lib), cfg.ToolServer.Timeout); err != nil {
			return nil, err
		}
	}

	confirms := gateway.NewConfirmationManager(backend.Docs, o.ConfirmationTimeout, o.HILPollInterval, logger)
	queue := hitl.NewQueue(backend.Docs, o.HILPollInterval, logger)
	gw := gateway.New(tools, confirms, queue, gateway.Options{HILToolName: o.HILToolName, Permissions: lib}, logger)

	reasoner := opts.Reasoner
	var summarizer compaction.Summarizer
	if reasoner == nil {
		if cfg.Reasoning.Endpoint == "" {
			return nil, fmt.Errorf("reasoning.endpoint is required")
		}
		client := reasoning.NewClient(reasoning.ClientConfig{
			Endpoint:   cfg.Reasoning.Endpoint,
			APIKey:     cfg.Reasoning.APIKey,
			Model:      cfg.Reasoning.Model,
			Timeout:    cfg.Reasoning.Timeout,
			MaxRetries: o.ReasoningMaxRetries,
		}, logger)
		reasoner = client
		summarizer = compaction.EngineSummarizer{Narrator: client}
	}
	compactor := compaction.New(compaction.Config{
		Interval:    o.CompactionInterval,
		MaxAttempts: o.CompactionMaxAttempts,
		Backoff:     o.CompactionBackoff,
	}, summarizer, logger)

	logs := actionlog.NewStore(backend.Docs)
	exec := executor.New(executor.ConfigFrom(o, cfg.Reasoning.Model), executor.Deps{
		Reasoner:  reasoner,
		Gateway:   gw,
		Compactor: compactor,
		Logs:      logs,
		Metrics:   collector,
		Tokens:    tokenizer.New(cfg.Reasoning.Model, logger),
		Models: func(agentID string) string {
			spec, _ := lib.Get(agentID)
			return spec.Model
		},
	}, logger)

	hub := events.NewHub(256, logger)
	sinks := append([]events.Sink{hub}, opts.Sinks...)
	registry := hierarchy.NewRegistry(backend.Docs, backend.Locks, lib, o.LockTTL, logger)
	instruments, err := telemetry.NewRunInstruments()
	if err != nil {
		logger.Warn("otel run instruments unavailable", zap.Error(err))
	}
	engine := NewEngine(registry, exec, EngineOptions{
		Sink:        events.Fanout(sinks...),
		Metrics:     collector,
		Instruments: instruments,
		AutoMode:    o.AutoMode,
	}, logger)

	logger.Info("runtime ready",
		zap.String("store", string(backend.Type)),
		zap.Int("agents", len(lib.Names())),
		zap.Strings("tools", tools.Names()),
		zap.Int("compaction_interval", compactor.Interval()),
	)
	return &Runtime{
		Config:        cfg,
		Library:       lib,
		Backend:       backend,
		Registry:      registry,
		Tools:         tools,
		Gateway:       gw,
		Confirmations: confirms,
		HIL:           queue,
		Logs:          logs,
		Hub:           hub,
		Metrics:       collector,
		Executor:      exec,
		Engine:        engine,
		logger:        logger,
	}, nil
}

// remoteToolNames 远程工具清单为空时，注册 Agent 库里引用的全部工具（HIL 工具除外）
func remoteToolNames(cfg *config.Config, lib *config.AgentLibrary) []string {
	if len(cfg.ToolServer.Tools) > 0 {
		return cfg.ToolServer.Tools
	}
	seen := make(map[string]bool)
	var names []string
	for _, agent := range lib.Names() {
		spec, _ := lib.Get(agent)
		for _, t := range spec.Tools {
			if t == cfg.Orchestrator.HILToolName || seen[t] {
				continue
			}
			seen[t] = true
			names = append(names, t)
		}
	}
	return names
}

// Close 停止运行并释放存储
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.Engine.Shutdown(ctx); err != nil {
		r.logger.Warn("runs did not stop before shutdown deadline", zap.Error(err))
	}
	return r.Backend.Close()
}

// ReportPoolStats 周期性上报 SQL 连接池状态，直到 ctx 结束
func (r *Runtime) ReportPoolStats(ctx context.Context, interval time.Duration) {
	if r.Backend.Pool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.Backend.Pool.Stats()
			r.Metrics.RecordDBConnections(r.Config.Database.Driver, stats.OpenConnections, stats.Idle)
		}
	}
}
