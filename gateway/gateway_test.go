package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

const testTask = "/home/dev/workspace/app"

type allowList map[string][]string

func (a allowList) CanUseTool(agent, tool string) bool {
	for _, t := range a[agent] {
		if t == tool {
			return true
		}
	}
	return false
}

type fixture struct {
	gw       *Gateway
	reg      *Registry
	confirms *ConfirmationManager
	hil      *hitl.Queue
	calls    *atomic.Int32
}

func newFixture(t *testing.T, confirmTimeout time.Duration) *fixture {
	t.Helper()
	docs := persistence.NewMemoryStore()
	logger := zaptest.NewLogger(t)

	calls := &atomic.Int32{}
	reg := NewRegistry(logger)
	require.NoError(t, reg.Register(Func{ToolName: "write_file", Fn: func(ctx context.Context, call Call) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"written":true}`), nil
	}}, time.Second))
	require.NoError(t, reg.Register(Func{ToolName: "echo", Fn: func(ctx context.Context, call Call) (json.RawMessage, error) {
		return json.Marshal(call.Params["text"])
	}}, time.Second))
	require.NoError(t, reg.Register(Func{ToolName: "broken", Fn: func(ctx context.Context, call Call) (json.RawMessage, error) {
		return nil, errors.New("exit status 1")
	}}, time.Second))
	require.NoError(t, reg.Register(Func{ToolName: "slow", Fn: func(ctx context.Context, call Call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, 20*time.Millisecond))
	require.NoError(t, reg.Register(Func{ToolName: "panics", Fn: func(ctx context.Context, call Call) (json.RawMessage, error) {
		panic("nil map")
	}}, time.Second))

	confirms := NewConfirmationManager(docs, confirmTimeout, 5*time.Millisecond, logger)
	queue := hitl.NewQueue(docs, 5*time.Millisecond, logger)
	perms := allowList{"coder_agent": {"write_file", "echo", "broken", "slow", "panics"}}
	gw := New(reg, confirms, queue, Options{HILToolName: "human_in_loop", Permissions: perms}, logger)
	return &fixture{gw: gw, reg: reg, confirms: confirms, hil: queue, calls: calls}
}

func call(tool string, params map[string]any) Call {
	return Call{TaskID: testTask, NodeID: "coder_agent_1", AgentID: "coder_agent", Tool: tool, Params: params}
}

func TestGateway_AutoMode(t *testing.T) {
	f := newFixture(t, time.Second)

	res, err := f.gw.Invoke(context.Background(), Request{Call: call("write_file", nil), AutoMode: true})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, DecisionAutoApproved, res.Decision)
	assert.JSONEq(t, `{"written":true}`, res.Output)
	assert.Equal(t, int32(1), f.calls.Load())

	res, err = f.gw.Invoke(context.Background(), Request{Call: call("echo", map[string]any{"text": "hi"}), AutoMode: true})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
}

func TestGateway_NotPermittedIsDenied(t *testing.T) {
	f := newFixture(t, time.Second)
	c := call("write_file", nil)
	c.AgentID = "web_search_agent"

	res, err := f.gw.Invoke(context.Background(), Request{Call: c, AutoMode: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, types.ErrToolNotPermitted, res.Code)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestGateway_ToolFailuresAreData(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	res, err := f.gw.Invoke(ctx, Request{Call: call("broken", nil), AutoMode: true})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, types.ErrToolExecution, res.Code)
	assert.Contains(t, res.Error, "exit status 1")

	res, err = f.gw.Invoke(ctx, Request{Call: call("slow", nil), AutoMode: true})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "timeout")

	res, err = f.gw.Invoke(ctx, Request{Call: call("panics", nil), AutoMode: true})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "panicked")

	f.gw.opts.Permissions = nil
	res, err = f.gw.Invoke(ctx, Request{Call: call("missing", nil), AutoMode: true})
	require.NoError(t, err)
	assert.Equal(t, types.ErrToolNotFound, res.Code)
}

func TestGateway_ConfirmationTimeoutIsDenial(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	var suspended []string
	res, err := f.gw.Invoke(context.Background(), Request{
		Call: call("write_file", nil),
		OnSuspend: func(ctx context.Context, kind SuspendKind, id string) error {
			assert.Equal(t, SuspendConfirmation, kind)
			suspended = append(suspended, id)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, types.ErrConfirmationTimeout, res.Code)
	require.Len(t, suspended, 1)
	assert.Equal(t, suspended[0], res.ConfirmID)
	assert.Equal(t, int32(0), f.calls.Load())

	c, err := f.confirms.Get(context.Background(), res.ConfirmID)
	require.NoError(t, err)
	assert.Equal(t, ConfirmTimedOut, c.Status)

	_, err = f.confirms.Decide(context.Background(), res.ConfirmID, DecisionApprove)
	assert.Error(t, err, "late decisions are rejected")
}

func TestGateway_ManualApproveAndDeny(t *testing.T) {
	for _, tc := range []struct {
		decision Decision
		status   ResultStatus
		calls    int32
	}{
		{DecisionApprove, StatusSuccess, 1},
		{DecisionDeny, StatusDenied, 0},
	} {
		t.Run(string(tc.decision), func(t *testing.T) {
			f := newFixture(t, 5*time.Second)
			ctx := context.Background()

			go func() {
				for {
					pending, _ := f.confirms.List(ctx, testTask)
					if len(pending) == 1 {
						_, _ = f.confirms.Decide(ctx, pending[0].ID, tc.decision)
						return
					}
					time.Sleep(2 * time.Millisecond)
				}
			}()

			res, err := f.gw.Invoke(ctx, Request{Call: call("write_file", nil)})
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.calls, f.calls.Load())
			if tc.decision == DecisionApprove {
				assert.Equal(t, DecisionManuallyApproved, res.Decision)
			} else {
				assert.Equal(t, types.ErrConfirmationDenied, res.Code)
			}
		})
	}
}

func TestConfirmationManager_RejectsDecisionAfterDeadline(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	c, err := f.confirms.Request(ctx, call("write_file", nil))
	require.NoError(t, err)
	f.confirms.now = func() time.Time { return c.Deadline.Add(time.Second) }

	_, err = f.confirms.Decide(ctx, c.ID, DecisionApprove)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfirmationTimeout))
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 409, terr.HTTPStatus)

	got, err := f.confirms.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ConfirmTimedOut, got.Status)

	// 等待方看到的是超时，工具不会执行
	res, err := f.gw.Invoke(ctx, Request{Call: call("write_file", nil), ResumeID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, types.ErrConfirmationTimeout, res.Code)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestGateway_ResumeConfirmation(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()

	c, err := f.confirms.Request(ctx, call("write_file", nil))
	require.NoError(t, err)
	_, err = f.confirms.Decide(ctx, c.ID, DecisionApprove)
	require.NoError(t, err)

	res, err := f.gw.Invoke(ctx, Request{Call: call("write_file", nil), ResumeID: c.ID})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, c.ID, res.ConfirmID)

	list, err := f.confirms.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGateway_HILBypassesConfirmation(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()

	go func() {
		for {
			task, err := f.hil.Pending(ctx, testTask)
			if err == nil {
				_, _ = f.hil.Respond(ctx, task.ID, "captcha solved")
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	var kind SuspendKind
	res, err := f.gw.Invoke(ctx, Request{
		Call: call("human_in_loop", map[string]any{"instruction": "solve the captcha"}),
		OnSuspend: func(ctx context.Context, k SuspendKind, id string) error {
			kind = k
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, DecisionHIL, res.Decision)
	assert.Equal(t, SuspendHIL, kind)
	assert.Contains(t, res.Output, "captcha solved")

	list, err := f.confirms.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list, "hil never creates a confirmation")
}

func TestGateway_HILReusesOwnPendingRequest(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	task, err := f.hil.Request(ctx, hitl.RequestOptions{TaskID: testTask, NodeID: "coder_agent_1", Instruction: "x"})
	require.NoError(t, err)
	_, err = f.hil.Respond(ctx, task.ID, "ok")
	require.NoError(t, err)
	task2, err := f.hil.Request(ctx, hitl.RequestOptions{TaskID: testTask, NodeID: "coder_agent_1", Instruction: "y"})
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = f.hil.Respond(ctx, task2.ID, "second")
	}()

	res, err := f.gw.Invoke(ctx, Request{Call: call("human_in_loop", map[string]any{"instruction": "y"})})
	require.NoError(t, err)
	assert.Equal(t, task2.ID, res.HILID)
}

func TestGateway_HILDoesNotReuseDifferentQuestion(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	stale, err := f.hil.Request(ctx, hitl.RequestOptions{TaskID: testTask, NodeID: "coder_agent_1", Instruction: "dark or light?"})
	require.NoError(t, err)

	res, err := f.gw.Invoke(ctx, Request{Call: call("human_in_loop", map[string]any{"instruction": "which font?"})})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, types.ErrHILAlreadyPending, res.Code)
	assert.Empty(t, res.HILID)

	pending, err := f.hil.Pending(ctx, testTask)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, pending.ID)
}

func TestGateway_HILTimeoutExpiresRequest(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	res, err := f.gw.Invoke(ctx, Request{
		Call:       call("human_in_loop", map[string]any{"instruction": "dark or light?"}),
		HILTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, types.ErrHILExpired, res.Code)
	assert.Equal(t, DecisionHIL, res.Decision)
	require.NotEmpty(t, res.HILID)

	task, err := f.hil.Get(ctx, res.HILID)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusExpired, task.Status)

	// 槽位已释放，下一个问题可以正常提出
	var id atomic.Value
	go func() {
		for i := 0; i < 500; i++ {
			if p, err := f.hil.Pending(ctx, testTask); err == nil {
				id.Store(p.ID)
				_, _ = f.hil.Respond(ctx, p.ID, "serif")
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	res, err = f.gw.Invoke(ctx, Request{
		Call:       call("human_in_loop", map[string]any{"instruction": "which font?"}),
		HILTimeout: time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)
	assert.Contains(t, res.Output, "serif")
	assert.Equal(t, id.Load(), res.HILID)
}

func TestGateway_CancelledWaitReturnsError(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.gw.Invoke(ctx, Request{Call: call("write_file", nil)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	tool := Func{ToolName: "a", Fn: func(ctx context.Context, call Call) (json.RawMessage, error) { return nil, nil }}
	require.NoError(t, reg.Register(tool, 0))
	assert.Error(t, reg.Register(tool, 0))
	assert.Error(t, reg.Register(Func{}, 0))

	_, timeout, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, DefaultToolTimeout, timeout)
	assert.Equal(t, []string{"a"}, reg.Names())

	_, _, err = reg.Get("b")
	assert.True(t, types.IsCode(err, types.ErrToolNotFound))
}

func TestNormalizeOutput(t *testing.T) {
	assert.Equal(t, "", normalizeOutput(nil))
	assert.Equal(t, "plain", normalizeOutput(json.RawMessage(`"plain"`)))
	assert.Equal(t, "{\n  \"a\": 1\n}", normalizeOutput(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "not json", normalizeOutput(json.RawMessage(`not json`)))
}
