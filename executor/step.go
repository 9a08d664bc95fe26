package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/internal/telemetry"
	"github.com/BaSui01/agenttree/internal/tokenizer"
	"github.com/BaSui01/agenttree/reasoning"
	"github.com/BaSui01/agenttree/types"
)

// flushTimeout 中断时落盘使用的独立超时
const flushTimeout = 10 * time.Second

// eventTextLimit 事件中输出摘录的长度上限
const eventTextLimit = 500

// nodeRun 单次 Run 的状态
type nodeRun struct {
	e      *Executor
	s      Session
	node   hierarchy.CallNode
	log    *actionlog.Log
	logger *zap.Logger
}

func (r *nodeRun) run(ctx context.Context) (Outcome, error) {
	// 已有最终答案：上次在答案落盘后、出栈前崩溃
	if entry, ok := r.log.FinalAnswer(); ok {
		r.logger.Info("final answer already recorded, popping node")
		return r.finish(ctx, entry)
	}

	if r.node.Status == hierarchy.StatusInterrupted {
		if err := r.s.Manager.Reactivate(ctx, r.node.ID); err != nil {
			return Outcome{}, err
		}
		r.node.Status = hierarchy.StatusActive
	}

	if r.log.Pending != nil {
		out, done, err := r.resumePending(ctx)
		if err != nil {
			return r.handleError(ctx, err)
		}
		if done {
			return out, nil
		}
	}

	for {
		if r.stopRequested(ctx) {
			return r.interrupt(ctx)
		}
		if r.log.Counters.Turns >= r.e.cfg.MaxTurns {
			return r.fail(ctx, fmt.Sprintf("max turns exceeded (%d)", r.e.cfg.MaxTurns))
		}
		out, done, err := r.step(ctx)
		if err != nil {
			return r.handleError(ctx, err)
		}
		if done {
			return out, nil
		}
	}
}

// handleError ctx 结束时转为中断，其余错误均为致命错误
func (r *nodeRun) handleError(ctx context.Context, err error) (Outcome, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return r.interrupt(ctx)
	}
	return Outcome{}, err
}

func (r *nodeRun) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.s.Stopped != nil && r.s.Stopped()
}

// step 执行一轮推理与决策
func (r *nodeRun) step(ctx context.Context) (out Outcome, done bool, err error) {
	ctx, span := r.e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		telemetry.AttrNodeID.String(r.node.ID),
		telemetry.AttrAgentID.String(r.node.AgentID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	resp, rerr := r.reason(ctx)
	r.log.Counters.Turns++
	if rerr != nil {
		if ctx.Err() != nil {
			return Outcome{}, false, ctx.Err()
		}
		if types.IsFatal(rerr) {
			return Outcome{}, false, rerr
		}
		return r.idle(ctx, fmt.Sprintf("reasoning failed: %v", rerr))
	}

	d := resp.Decision
	if verr := d.Validate(); verr != nil {
		return r.idle(ctx, "no actionable decision: "+verr.Error())
	}
	r.log.Counters.IdleStreak = 0
	span.SetAttributes(telemetry.AttrKind.String(string(d.Kind)))

	switch d.Kind {
	case reasoning.DecisionThought:
		return r.think(ctx, d)
	case reasoning.DecisionToolCall:
		return r.callTool(ctx, d)
	case reasoning.DecisionDelegate:
		return r.delegate(ctx, d)
	default:
		return r.answer(ctx, d)
	}
}

// reason 组装作用域上下文并调用推理引擎
func (r *nodeRun) reason(ctx context.Context) (reasoning.Response, error) {
	scope, err := r.s.Manager.Scope(r.node.ID)
	if err != nil {
		return reasoning.Response{}, err
	}
	req := reasoning.Request{
		TaskID:   r.s.Manager.TaskID(),
		NodeID:   r.node.ID,
		Model:    r.e.modelFor(r.node.AgentID),
		Scope:    scope,
		Snapshot: r.log.Snapshot,
		Tail:     r.log.Window(),
		Turn:     r.log.Counters.Turns + 1,
	}
	if r.log.Counters.IdleStreak > 0 {
		req.Reminder = idleReminder
	}
	if payload, merr := json.Marshal(req); merr == nil {
		r.e.metrics.RecordContextTokens(r.node.AgentID, tokenizer.CountAll(r.e.tokens, string(payload)))
	}
	r.s.Events.Progress(r.node.AgentID, r.node.ID, "reasoning",
		float64(r.log.Counters.Turns)/float64(r.e.cfg.MaxTurns))

	start := time.Now()
	resp, err := r.e.reasoner.Decide(ctx, req)
	r.e.metrics.RecordReasoning(r.node.AgentID, err == nil, time.Since(start),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if err != nil {
		r.logger.Warn("reasoning call failed", zap.Int("turn", req.Turn), zap.Error(err))
	}
	return resp, err
}

// idle 记录一次无可执行决策，连续达到上限后节点失败上报
func (r *nodeRun) idle(ctx context.Context, reason string) (Outcome, bool, error) {
	r.log.Counters.IdleStreak++
	if err := r.record(ctx, actionlog.Entry{Kind: actionlog.KindThought, Error: reason}); err != nil {
		return Outcome{}, false, err
	}
	if r.log.Counters.IdleStreak >= r.e.cfg.MaxIdleDecisions {
		out, err := r.fail(ctx, fmt.Sprintf("no actionable decision after %d attempts: %s",
			r.log.Counters.IdleStreak, reason))
		return out, err == nil, err
	}
	return Outcome{}, false, nil
}

func (r *nodeRun) think(ctx context.Context, d reasoning.Decision) (Outcome, bool, error) {
	if err := r.record(ctx, actionlog.Entry{Kind: actionlog.KindThought, Name: "thinking", OK: true, Output: d.Thought}); err != nil {
		return Outcome{}, false, err
	}
	if err := r.s.Manager.SetThinking(ctx, r.node.ID, d.Thought); err != nil {
		return Outcome{}, false, err
	}
	r.s.Events.Token(r.node.AgentID, r.node.ID, excerpt(d.Thought))
	return Outcome{}, false, nil
}

// callTool 先持久化待执行标记，再经网关执行
func (r *nodeRun) callTool(ctx context.Context, d reasoning.Decision) (Outcome, bool, error) {
	r.log.Pending = &actionlog.PendingStep{
		Kind:      actionlog.KindToolCall,
		Name:      d.Tool,
		Params:    d.Params,
		StartedAt: r.e.now(),
	}
	if err := r.save(ctx); err != nil {
		return Outcome{}, false, err
	}
	return r.invokeTool(ctx, *r.log.Pending)
}

func (r *nodeRun) invokeTool(ctx context.Context, p actionlog.PendingStep) (Outcome, bool, error) {
	ctx, span := r.e.tracer.Start(ctx, "executor.tool", trace.WithAttributes(telemetry.AttrTool.String(p.Name)))
	defer span.End()

	hil := r.e.gateway.IsHILTool(p.Name)
	r.s.Events.Progress(r.node.AgentID, r.node.ID, "tool:"+p.Name, 0)

	res, err := r.e.gateway.Invoke(ctx, gateway.Request{
		Call: gateway.Call{
			TaskID:  r.s.Manager.TaskID(),
			NodeID:  r.node.ID,
			AgentID: r.node.AgentID,
			Tool:    p.Name,
			Params:  p.Params,
		},
		AutoMode:   r.s.AutoMode,
		ResumeID:   p.CallID,
		OnSuspend:  r.onSuspend,
		HILTimeout: r.e.cfg.HILTimeout,
	})
	if err != nil {
		span.RecordError(err)
		return Outcome{}, false, err
	}
	// 停止信号打断的调用不算完成的步骤：保留 Pending，恢复时重新执行
	if ctx.Err() != nil {
		r.logger.Info("tool call interrupted, keeping it pending", zap.String("tool", p.Name))
		return Outcome{}, false, ctx.Err()
	}
	if res.Code == types.ErrHILExpired {
		r.e.metrics.RecordHIL("timeout")
	}

	if hil {
		if cur, ok := r.s.Manager.Node(r.node.ID); ok && cur.Status == hierarchy.StatusSuspendedOnHIL {
			if err := r.s.Manager.ResumeFromHIL(ctx, r.node.ID); err != nil {
				return Outcome{}, false, err
			}
		}
	}

	r.e.metrics.RecordToolCall(p.Name, string(res.Status), string(res.Decision), res.Duration)
	entry := actionlog.Entry{
		Kind:   actionlog.KindToolCall,
		Name:   p.Name,
		Params: p.Params,
		OK:     res.OK(),
		Output: res.Output,
		Error:  res.Error,
	}
	if err := r.record(ctx, entry); err != nil {
		return Outcome{}, false, err
	}
	if res.OK() {
		r.s.Events.Token(r.node.AgentID, r.node.ID, excerpt(res.Output))
	} else {
		r.s.Events.Token(r.node.AgentID, r.node.ID, excerpt(fmt.Sprintf("%s %s: %s", p.Name, res.Status, res.Error)))
	}
	return Outcome{}, false, nil
}

// onSuspend 在网关阻塞前持久化 confirm_id / hil_id
func (r *nodeRun) onSuspend(ctx context.Context, kind gateway.SuspendKind, id string) error {
	if r.log.Pending != nil {
		r.log.Pending.CallID = id
	}
	if err := r.save(ctx); err != nil {
		return err
	}
	if kind == gateway.SuspendHIL {
		if cur, ok := r.s.Manager.Node(r.node.ID); ok && cur.Status != hierarchy.StatusSuspendedOnHIL {
			if err := r.s.Manager.SuspendOnHIL(ctx, r.node.ID); err != nil {
				return err
			}
			r.e.metrics.RecordHIL("requested")
		}
	}
	r.logger.Info("waiting on human", zap.String("kind", string(kind)), zap.String("id", id))
	r.s.Events.Progress(r.node.AgentID, r.node.ID, "awaiting_"+string(kind), 0)
	return nil
}

// delegate 创建子节点并让出执行权；越权委派记录为失败的委派，节点保持活动
func (r *nodeRun) delegate(ctx context.Context, d reasoning.Decision) (Outcome, bool, error) {
	params := map[string]any{"input": d.Input}
	r.log.Pending = &actionlog.PendingStep{
		Kind:      actionlog.KindDelegation,
		Name:      d.Agent,
		Params:    params,
		StartedAt: r.e.now(),
	}
	if err := r.save(ctx); err != nil {
		return Outcome{}, false, err
	}

	child, err := r.s.Manager.Delegate(ctx, r.node.ID, d.Agent, d.Input)
	if err != nil {
		if types.IsFatal(err) {
			return Outcome{}, false, err
		}
		r.e.metrics.RecordDelegation(r.node.AgentID, d.Agent, "rejected")
		forbidden := types.IsCode(err, types.ErrDelegationNotAllowed)
		if forbidden {
			r.log.Counters.ForbiddenDelegations++
		}
		r.logger.Warn("delegation rejected", zap.String("to", d.Agent), zap.Error(err))
		entry := actionlog.Entry{Kind: actionlog.KindDelegation, Name: d.Agent, Params: params, Error: err.Error()}
		if rerr := r.record(ctx, entry); rerr != nil {
			return Outcome{}, false, rerr
		}
		if forbidden && r.log.Counters.ForbiddenDelegations >= r.e.cfg.MaxForbiddenDelegations {
			out, ferr := r.fail(ctx, fmt.Sprintf("%d forbidden delegations, last: %v",
				r.log.Counters.ForbiddenDelegations, err))
			return out, ferr == nil, ferr
		}
		return Outcome{}, false, nil
	}

	r.e.metrics.RecordDelegation(r.node.AgentID, d.Agent, "accepted")
	r.log.Pending.ChildNodeID = child.ID
	if err := r.save(ctx); err != nil {
		return Outcome{}, false, err
	}
	r.s.Events.Progress(r.node.AgentID, r.node.ID, "delegated:"+d.Agent, 0)
	return Outcome{Kind: OutcomeDelegated, NodeID: r.node.ID, AgentID: r.node.AgentID, Child: &child}, true, nil
}

// resumePending 处理重启前未完成的步骤
func (r *nodeRun) resumePending(ctx context.Context) (Outcome, bool, error) {
	p := *r.log.Pending
	r.logger.Info("resuming pending step",
		zap.String("kind", string(p.Kind)),
		zap.String("name", p.Name),
		zap.String("call_id", p.CallID),
	)

	switch p.Kind {
	case actionlog.KindToolCall:
		return r.invokeTool(ctx, p)

	case actionlog.KindDelegation:
		childID := p.ChildNodeID
		if childID == "" {
			// 子节点已提交但 child_node_id 未落盘
			if last, ok := r.s.Manager.LastChild(r.node.ID); ok && last.AgentID == p.Name && !last.CreatedAt.Before(p.StartedAt) {
				childID = last.ID
			}
		}
		child, ok := r.s.Manager.Node(childID)
		if !ok {
			// 委派未生效，交回推理引擎重新决策
			r.log.Pending = nil
			return Outcome{}, false, r.save(ctx)
		}
		if !child.Status.Terminal() {
			return Outcome{Kind: OutcomeDelegated, NodeID: r.node.ID, AgentID: r.node.AgentID, Child: &child}, true, nil
		}
		return Outcome{}, false, r.recordChildResult(ctx, p, child)

	default:
		r.log.Pending = nil
		return Outcome{}, false, r.save(ctx)
	}
}

// recordChildResult 将子节点的结果记入本节点日志
func (r *nodeRun) recordChildResult(ctx context.Context, p actionlog.PendingStep, child hierarchy.CallNode) error {
	ok := child.Status == hierarchy.StatusCompleted
	return r.record(ctx, actionlog.Entry{
		Kind:   actionlog.KindDelegation,
		Name:   child.AgentID,
		Params: p.Params,
		OK:     ok,
		Output: child.Result,
		Error:  child.Error,
	})
}

func (r *nodeRun) answer(ctx context.Context, d reasoning.Decision) (Outcome, bool, error) {
	entry := actionlog.Entry{Kind: actionlog.KindFinalAnswer, Name: "final_answer", OK: !d.Failed}
	if d.Failed {
		entry.Error = d.Answer
	} else {
		entry.Output = d.Answer
	}
	entry = r.append(entry)
	if err := r.save(ctx); err != nil {
		return Outcome{}, false, err
	}
	out, err := r.finish(ctx, entry)
	return out, err == nil, err
}

// fail 记录失败的最终答案并上报父节点
func (r *nodeRun) fail(ctx context.Context, reason string) (Outcome, error) {
	r.logger.Warn("node failing", zap.String("reason", reason))
	entry := r.append(actionlog.Entry{Kind: actionlog.KindFinalAnswer, Name: "final_answer", Error: reason})
	if err := r.save(ctx); err != nil {
		return Outcome{}, err
	}
	return r.finish(ctx, entry)
}

// finish 按最终答案出栈，恢复父节点
func (r *nodeRun) finish(ctx context.Context, entry actionlog.Entry) (Outcome, error) {
	var (
		parent *hierarchy.CallNode
		err    error
	)
	out := Outcome{NodeID: r.node.ID, AgentID: r.node.AgentID}
	if entry.OK {
		parent, err = r.s.Manager.Complete(ctx, r.node.ID, entry.Output)
		out.Kind, out.Result = OutcomeCompleted, entry.Output
	} else {
		parent, err = r.s.Manager.Escalate(ctx, r.node.ID, entry.Error)
		out.Kind, out.Result = OutcomeFailed, entry.Error
	}
	if err != nil {
		return Outcome{}, err
	}
	out.Parent = parent
	r.s.Events.Result(r.node.AgentID, r.node.ID, entry.OK, excerpt(out.Result))
	return out, nil
}

// interrupt 落盘并将叶子标记为中断。ctx 可能已取消，持久化使用独立超时。
func (r *nodeRun) interrupt(ctx context.Context) (Outcome, error) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := r.save(flushCtx); err != nil {
		return Outcome{}, err
	}
	if err := r.s.Manager.Interrupt(flushCtx); err != nil {
		return Outcome{}, err
	}
	r.logger.Info("node interrupted", zap.Int64("next_seq", r.log.NextSeq))
	return Outcome{Kind: OutcomeInterrupted, NodeID: r.node.ID, AgentID: r.node.AgentID}, nil
}

func (r *nodeRun) append(e actionlog.Entry) actionlog.Entry {
	e.At = r.e.now()
	e = r.log.Append(e)
	r.e.metrics.RecordStep(r.node.AgentID, string(e.Kind), e.OK)
	return e
}

// record 追加、落盘，并在到期时同步压缩
func (r *nodeRun) record(ctx context.Context, e actionlog.Entry) error {
	r.append(e)
	if err := r.save(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	res := r.e.compactor.MaybeCompact(ctx, r.log)
	if !res.Compacted && !res.Degraded {
		return nil
	}
	r.e.metrics.RecordCompaction(r.node.AgentID, res.Degraded, res.Duration)
	r.s.Events.Progress(r.node.AgentID, r.node.ID, "compaction", 0)
	return r.save(ctx)
}

func (r *nodeRun) save(ctx context.Context) error {
	r.log.UpdatedAt = r.e.now()
	return r.e.logs.Save(ctx, r.s.Manager.TaskKey(), r.log)
}

func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= eventTextLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:eventTextLimit]) + "..."
}
