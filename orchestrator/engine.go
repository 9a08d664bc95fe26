package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/events"
	"github.com/BaSui01/agenttree/executor"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/internal/metrics"
	"github.com/BaSui01/agenttree/internal/telemetry"
	"github.com/BaSui01/agenttree/types"
)

// RunRequest 一次用户指令
type RunRequest struct {
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
	Input  string `json:"input"`
	// AutoMode 为空时使用配置默认值
	AutoMode *bool `json:"auto_mode,omitempty"`
}

// Validate 检查必填字段
func (r RunRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.TaskID) == "" {
		missing = append(missing, "task_id")
	}
	if strings.TrimSpace(r.Agent) == "" {
		missing = append(missing, "agent")
	}
	if strings.TrimSpace(r.Input) == "" {
		missing = append(missing, "input")
	}
	if len(missing) > 0 {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))).
			WithHTTPStatus(http.StatusBadRequest)
	}
	return nil
}

// RunStatus 运行的最终状态
type RunStatus string

const (
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
	RunError       RunStatus = "error"
)

// RunResult 运行结束时的摘要
type RunResult struct {
	TaskID   string        `json:"task_id"`
	Status   RunStatus     `json:"status"`
	RootID   string        `json:"root_id,omitempty"`
	Result   string        `json:"result,omitempty"`
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// Engine 串联运行注册表与执行器：始终执行调用栈的叶子，
// 委派后执行子节点，子节点结束后回到父节点
type Engine struct {
	registry *hierarchy.Registry
	executor *executor.Executor
	sink     events.Sink
	metrics  *metrics.Collector
	otel     *telemetry.RunInstruments
	autoMode bool
	logger   *zap.Logger

	wg sync.WaitGroup
}

// EngineOptions 引擎选项
type EngineOptions struct {
	Sink     events.Sink
	Metrics  *metrics.Collector
	// Instruments 为空时不记录 OTel 运行指标
	Instruments *telemetry.RunInstruments
	AutoMode    bool
}

// NewEngine 创建引擎
func NewEngine(registry *hierarchy.Registry, exec *executor.Executor, opts EngineOptions, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	return &Engine{
		registry: registry,
		executor: exec,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		otel:     opts.Instruments,
		autoMode: opts.AutoMode,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// Run 同步执行一条指令，直到根节点结束或运行被中断。
// 任务已被其他运行持有时立即返回 TaskLockedError。
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	run, stack, err := e.open(ctx, req)
	if err != nil {
		return RunResult{}, err
	}
	return e.drive(ctx, run, req, stack)
}

// Start 获取任务锁并激活调用栈后在后台执行。
// 锁冲突与入口 Agent 不存在同步返回。
func (e *Engine) Start(ctx context.Context, req RunRequest) (*hierarchy.Run, error) {
	run, stack, err := e.open(ctx, req)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// 后台运行不随请求结束，只由 Stop、锁丢失或关闭取消
		if _, err := e.drive(context.WithoutCancel(ctx), run, req, stack); err != nil {
			e.logger.Error("background run failed", zap.String("task_id", req.TaskID), zap.Error(err))
		}
	}()
	return run, nil
}

// open 获取任务锁并激活调用栈，失败时释放锁
func (e *Engine) open(ctx context.Context, req RunRequest) (*hierarchy.Run, []hierarchy.CallNode, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	run, err := e.registry.Open(ctx, req.TaskID)
	if err != nil {
		return nil, nil, err
	}
	stack, err := run.Manager.Activate(ctx, req.Agent, req.Input)
	if err != nil {
		if cerr := e.registry.Close(context.WithoutCancel(ctx), run); cerr != nil {
			e.logger.Warn("failed to release task after activation error", zap.String("task_id", req.TaskID), zap.Error(cerr))
		}
		return nil, nil, err
	}
	return run, stack, nil
}

// Stop 向运行中的任务发送停止信号
func (e *Engine) Stop(taskID string) bool {
	return e.registry.Stop(taskID)
}

// Active 返回运行中的任务身份
func (e *Engine) Active() []string {
	return e.registry.Active()
}

// Shutdown 停止所有运行并等待它们落盘退出
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, id := range e.registry.Active() {
		e.registry.Stop(id)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drive 蹦床式执行调用栈，结束时释放任务锁
func (e *Engine) drive(ctx context.Context, run *hierarchy.Run, req RunRequest, stack []hierarchy.CallNode) (res RunResult, err error) {
	logger := e.logger.With(zap.String("task_id", req.TaskID), zap.String("owner", run.Owner))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(run.Context(), cancel)
	defer stopWatch()

	emitter := events.NewRunEmitter(e.sink, req.TaskID)
	emitter.Start(req.Agent)
	e.metrics.RunStarted()

	res = RunResult{TaskID: req.TaskID}
	defer func() {
		res.Duration = emitter.Elapsed()
		if err != nil {
			res.Status = RunError
			emitter.Error(err.Error())
		} else {
			emitter.End(string(res.Status))
		}
		e.metrics.RunFinished(string(res.Status), res.Duration)
		e.otel.RecordRun(context.WithoutCancel(ctx), req.Agent, string(res.Status), res.Duration)

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if cerr := e.registry.Close(closeCtx, run); cerr != nil && err == nil {
			err = cerr
		}
		logger.Info("run finished",
			zap.String("status", string(res.Status)),
			zap.Int("steps", res.Steps),
			zap.Duration("duration", res.Duration),
		)
	}()

	mgr := run.Manager
	res.RootID = stack[0].ID
	logger.Info("run started", zap.String("root", res.RootID), zap.Int("depth", len(stack)))

	sess := executor.Session{
		Manager:  mgr,
		Events:   emitter,
		AutoMode: e.autoMode,
		Stopped:  run.Stopped,
	}
	if req.AutoMode != nil {
		sess.AutoMode = *req.AutoMode
	}

	for {
		if run.LockLost() {
			return res, types.NewTaskLockedError(req.TaskID).WithCause(fmt.Errorf("task lock lost during run"))
		}
		leaf, ok := mgr.Current()
		if !ok {
			// 根节点已出栈
			root, _ := mgr.Node(res.RootID)
			res.Status, res.Result = rootOutcome(root)
			return res, nil
		}

		out, err := e.executor.Run(ctx, sess, leaf.ID)
		res.Steps++
		if err != nil {
			logger.Error("node run aborted", zap.String("node_id", leaf.ID), zap.Error(err))
			return res, err
		}

		switch out.Kind {
		case executor.OutcomeInterrupted:
			res.Status = RunInterrupted
			if run.LockLost() {
				return res, types.NewTaskLockedError(req.TaskID).WithCause(fmt.Errorf("task lock lost during run"))
			}
			return res, nil
		case executor.OutcomeDelegated:
			logger.Debug("delegated",
				zap.String("from", out.AgentID),
				zap.String("to", out.Child.AgentID),
				zap.String("child", out.Child.ID),
			)
		default:
			if out.Parent == nil {
				res.Status = RunCompleted
				if out.Kind == executor.OutcomeFailed {
					res.Status = RunFailed
				}
				res.Result = out.Result
				return res, nil
			}
			logger.Debug("child resolved, resuming parent",
				zap.String("child", out.NodeID),
				zap.String("parent", out.Parent.ID),
				zap.String("outcome", string(out.Kind)),
			)
		}
	}
}

func rootOutcome(root hierarchy.CallNode) (RunStatus, string) {
	switch root.Status {
	case hierarchy.StatusCompleted:
		return RunCompleted, root.Result
	case hierarchy.StatusFailed:
		return RunFailed, root.Error
	default:
		return RunInterrupted, ""
	}
}
