package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/types"
)

// ResultStatus 归一化后的工具结果状态
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusDenied  ResultStatus = "denied"
)

// PermissionDecision 权限仲裁结果
type PermissionDecision string

const (
	DecisionAutoApproved     PermissionDecision = "auto_approved"
	DecisionManuallyApproved PermissionDecision = "manually_approved"
	DecisionDenied           PermissionDecision = "denied"
	DecisionHIL              PermissionDecision = "hil"
)

// Result 是 Gateway 返回给执行器的唯一结果形态
type Result struct {
	Tool      string             `json:"tool_name"`
	Status    ResultStatus       `json:"status"`
	Output    string             `json:"output,omitempty"`
	Error     string             `json:"error,omitempty"`
	Code      types.ErrorCode    `json:"code,omitempty"`
	Decision  PermissionDecision `json:"decision"`
	ConfirmID string             `json:"confirm_id,omitempty"`
	HILID     string             `json:"hil_id,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

// OK 是否成功
func (r Result) OK() bool { return r.Status == StatusSuccess }

// SuspendKind 执行器挂起的原因
type SuspendKind string

const (
	SuspendConfirmation SuspendKind = "confirmation"
	SuspendHIL          SuspendKind = "hil"
)

// Request 一次网关调用
type Request struct {
	Call
	AutoMode bool
	// ResumeID 是已持久化的 confirm_id / hil_id，重启后继续等待同一请求
	ResumeID string
	// OnSuspend 在阻塞前回调，执行器借此持久化 confirm_id / hil_id
	OnSuspend func(ctx context.Context, kind SuspendKind, id string) error
	// HILTimeout HIL 等待上限，0 表示无限等待；超时的请求会被标记为 expired
	HILTimeout time.Duration
}

// Permissions 判断 agent 是否被允许使用某工具
type Permissions interface {
	CanUseTool(agent, tool string) bool
}

// Options 网关选项
type Options struct {
	HILToolName string
	Permissions Permissions
}

// Gateway 工具执行网关
type Gateway struct {
	registry *Registry
	confirms *ConfirmationManager
	hil      *hitl.Queue
	opts     Options
	logger   *zap.Logger
}

// New 创建网关
func New(registry *Registry, confirms *ConfirmationManager, hil *hitl.Queue, opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HILToolName == "" {
		opts.HILToolName = "human_in_loop"
	}
	return &Gateway{
		registry: registry,
		confirms: confirms,
		hil:      hil,
		opts:     opts,
		logger:   logger.With(zap.String("component", "gateway")),
	}
}

// IsHILTool 判断是否为指定的 HIL 工具
func (g *Gateway) IsHILTool(name string) bool { return name == g.opts.HILToolName }

// Confirmations 返回确认管理器
func (g *Gateway) Confirmations() *ConfirmationManager { return g.confirms }

// Invoke 仲裁权限并执行工具。工具层面的失败以 Result 返回；
// 返回的 error 只表示持久化失败或 ctx 结束，调用方应据此中断运行。
func (g *Gateway) Invoke(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	var (
		res Result
		err error
	)
	switch {
	case g.IsHILTool(req.Tool):
		res, err = g.invokeHIL(ctx, req)
	case g.opts.Permissions != nil && !g.opts.Permissions.CanUseTool(req.AgentID, req.Tool):
		res = denied(req.Tool, types.NewError(types.ErrToolNotPermitted,
			fmt.Sprintf("agent %s is not permitted to use tool %s", req.AgentID, req.Tool)))
	case req.AutoMode:
		res = g.execute(ctx, req.Call)
		res.Decision = DecisionAutoApproved
	default:
		res, err = g.invokeConfirmed(ctx, req)
	}
	if err != nil {
		return Result{}, err
	}
	res.Tool = req.Tool
	res.Duration = time.Since(start)

	g.logger.Debug("tool call resolved",
		zap.String("tool", req.Tool),
		zap.String("agent_id", req.AgentID),
		zap.String("status", string(res.Status)),
		zap.String("decision", string(res.Decision)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (g *Gateway) invokeConfirmed(ctx context.Context, req Request) (Result, error) {
	if g.confirms == nil {
		return denied(req.Tool, types.NewError(types.ErrToolNotPermitted, "manual confirmation is not available")), nil
	}
	if !g.registry.Has(req.Tool) {
		return failed(req.Tool, types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s not found", req.Tool))), nil
	}

	confirmID := req.ResumeID
	if confirmID == "" {
		c, err := g.confirms.Request(ctx, req.Call)
		if err != nil {
			return Result{}, err
		}
		confirmID = c.ID
	}
	if req.OnSuspend != nil {
		if err := req.OnSuspend(ctx, SuspendConfirmation, confirmID); err != nil {
			return Result{}, err
		}
	}

	if err := g.confirms.Await(ctx, confirmID); err != nil {
		if types.IsCode(err, types.ErrConfirmationDenied) || types.IsCode(err, types.ErrConfirmationTimeout) ||
			types.IsCode(err, types.ErrConfirmationNotFound) {
			res := denied(req.Tool, err)
			res.ConfirmID = confirmID
			return res, nil
		}
		return Result{}, err
	}

	res := g.execute(ctx, req.Call)
	res.Decision = DecisionManuallyApproved
	res.ConfirmID = confirmID
	return res, nil
}

func (g *Gateway) invokeHIL(ctx context.Context, req Request) (Result, error) {
	if g.hil == nil {
		return failed(req.Tool, types.NewError(types.ErrToolNotFound, "human-in-the-loop is not available")), nil
	}

	hilID := req.ResumeID
	if hilID == "" {
		text := instruction(req.Params)
		task, err := g.hil.Request(ctx, hitl.RequestOptions{
			TaskID:      req.TaskID,
			NodeID:      req.NodeID,
			AgentID:     req.AgentID,
			Instruction: text,
		})
		switch {
		case err == nil:
			hilID = task.ID
		case types.IsCode(err, types.ErrHILAlreadyPending):
			// 崩溃发生在创建请求与持久化 hil_id 之间时，复用本节点同一问题的请求
			pending, perr := g.hil.Pending(ctx, req.TaskID)
			if perr != nil || pending.NodeID != req.NodeID || pending.Instruction != text {
				return failed(req.Tool, err), nil
			}
			hilID = pending.ID
		case types.IsFatal(err):
			return Result{}, err
		default:
			return failed(req.Tool, err), nil
		}
	}
	if req.OnSuspend != nil {
		if err := req.OnSuspend(ctx, SuspendHIL, hilID); err != nil {
			return Result{}, err
		}
	}

	waitCtx := ctx
	if req.HILTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.HILTimeout)
		defer cancel()
	}
	task, err := g.hil.Wait(waitCtx, hilID)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		task, err = g.expireHIL(ctx, hilID, req.HILTimeout)
	}
	if err != nil {
		if types.IsCode(err, types.ErrHILNotFound) || types.IsCode(err, types.ErrHILExpired) {
			res := failed(req.Tool, err)
			res.Decision = DecisionHIL
			res.HILID = hilID
			return res, nil
		}
		return Result{}, err
	}
	return hilAnswered(hilID, task), nil
}

// expireHIL 放弃等待并退役请求；退役前回复已到达时仍使用该回复
func (g *Gateway) expireHIL(ctx context.Context, hilID string, timeout time.Duration) (*hitl.Task, error) {
	_, err := g.hil.Expire(ctx, hilID)
	switch {
	case err == nil:
		g.logger.Info("hil wait timed out", zap.String("hil_id", hilID), zap.Duration("timeout", timeout))
		return nil, types.NewError(types.ErrHILExpired,
			fmt.Sprintf("no human response within %s", timeout))
	case types.IsCode(err, types.ErrHILAlreadyResponded):
		return g.hil.Get(ctx, hilID)
	default:
		return nil, err
	}
}

func hilAnswered(hilID string, task *hitl.Task) Result {
	var response string
	if task.Response != nil {
		response = *task.Response
	}
	out, _ := json.Marshal(map[string]string{"hil_id": hilID, "response": response})
	return Result{Status: StatusSuccess, Output: string(out), Decision: DecisionHIL, HILID: hilID}
}

// execute 带超时执行工具。使用带缓冲的 channel，超时后工具 goroutine 也能退出。
func (g *Gateway) execute(ctx context.Context, call Call) Result {
	tool, timeout, err := g.registry.Get(call.Tool)
	if err != nil {
		return failed(call.Tool, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := tool.Invoke(execCtx, call)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			g.logger.Warn("tool execution failed", zap.String("tool", call.Tool), zap.Error(o.err))
			return failed(call.Tool, types.NewToolExecutionError(call.Tool, o.err))
		}
		return Result{Status: StatusSuccess, Output: normalizeOutput(o.res)}
	case <-execCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return failed(call.Tool, types.NewToolExecutionError(call.Tool, ctx.Err()))
		}
		g.logger.Warn("tool execution timeout", zap.String("tool", call.Tool), zap.Duration("timeout", timeout))
		return failed(call.Tool, types.NewToolExecutionError(call.Tool,
			fmt.Errorf("execution timeout after %s", timeout)))
	}
}

// normalizeOutput JSON 字符串直接展开，其余 JSON 缩进输出
func normalizeOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Indent(&buf, raw, "", "  ") == nil {
		return buf.String()
	}
	return string(raw)
}

func instruction(params map[string]any) string {
	for _, k := range []string{"instruction", "message", "question", "prompt"} {
		if v, ok := params[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if len(params) == 0 {
		return ""
	}
	data, _ := json.Marshal(params)
	return string(data)
}

func failed(tool string, err error) Result {
	return Result{Tool: tool, Status: StatusError, Error: err.Error(), Code: types.GetErrorCode(err)}
}

func denied(tool string, err error) Result {
	return Result{Tool: tool, Status: StatusDenied, Error: err.Error(), Code: types.GetErrorCode(err), Decision: DecisionDenied}
}
