package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/compaction"
	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/events"
	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/reasoning"
	"github.com/BaSui01/agenttree/types"
)

const testTask = "/home/dev/workspace/blog"

type fixture struct {
	exec     *Executor
	mgr      *hierarchy.Manager
	logs     *actionlog.Store
	script   *reasoning.Scripted
	hil      *hitl.Queue
	writes   *atomic.Int32
	stopped  *atomic.Bool
	mu       sync.Mutex
	captured []events.Event
	emitter  *events.RunEmitter
}

type fixtureOpts struct {
	cfg            Config
	confirmTimeout time.Duration
	// writeFn 替换 write_file 的实现
	writeFn func(ctx context.Context, call gateway.Call) (json.RawMessage, error)
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	docs := persistence.NewMemoryStore()

	lib, err := config.NewAgentLibrary([]config.AgentSpec{
		{Name: "alpha", Level: 3, Children: []string{"coder_agent"}, Tools: []string{"human_in_loop"}},
		{Name: "coder_agent", Level: 1, Tools: []string{"write_file"}},
		{Name: "web_search_agent", Level: 1, Tools: []string{"web_search"}},
	})
	require.NoError(t, err)

	mgr := hierarchy.NewManager(testTask, lib, docs, logger)
	require.NoError(t, mgr.Load(context.Background()))

	writes := &atomic.Int32{}
	reg := gateway.NewRegistry(logger)
	require.NoError(t, reg.Register(gateway.Func{ToolName: "write_file", Fn: func(ctx context.Context, call gateway.Call) (json.RawMessage, error) {
		writes.Add(1)
		if opts.writeFn != nil {
			return opts.writeFn(ctx, call)
		}
		return json.RawMessage(`{"written":true}`), nil
	}}, time.Second))

	if opts.confirmTimeout == 0 {
		opts.confirmTimeout = time.Minute
	}
	confirms := gateway.NewConfirmationManager(docs, opts.confirmTimeout, 5*time.Millisecond, logger)
	queue := hitl.NewQueue(docs, 5*time.Millisecond, logger)
	gw := gateway.New(reg, confirms, queue, gateway.Options{Permissions: lib}, logger)

	script := reasoning.NewScripted(nil)
	logs := actionlog.NewStore(docs)
	compactor := compaction.New(compaction.Config{Interval: 10, MaxAttempts: 2, Backoff: time.Millisecond}, nil, logger)

	f := &fixture{
		mgr:     mgr,
		logs:    logs,
		script:  script,
		hil:     queue,
		writes:  writes,
		stopped: &atomic.Bool{},
	}
	f.exec = New(opts.cfg, Deps{
		Reasoner:  script,
		Gateway:   gw,
		Compactor: compactor,
		Logs:      logs,
	}, logger)
	f.emitter = events.NewRunEmitter(events.SinkFunc(func(e events.Event) {
		f.mu.Lock()
		f.captured = append(f.captured, e)
		f.mu.Unlock()
	}), testTask)
	f.emitter.Start("alpha")
	return f
}

func (f *fixture) session(auto bool) Session {
	return Session{Manager: f.mgr, Events: f.emitter, AutoMode: auto, Stopped: f.stopped.Load}
}

func (f *fixture) activate(t *testing.T, agent, input string) hierarchy.CallNode {
	t.Helper()
	stack, err := f.mgr.Activate(context.Background(), agent, input)
	require.NoError(t, err)
	return stack[len(stack)-1]
}

func (f *fixture) log(t *testing.T, nodeID string) *actionlog.Log {
	t.Helper()
	l, err := f.logs.Load(context.Background(), f.mgr.TaskKey(), nodeID)
	require.NoError(t, err)
	return l
}

func (f *fixture) eventsOf(typ events.Type) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.captured {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func thought(text string) reasoning.Decision {
	return reasoning.Decision{Kind: reasoning.DecisionThought, Thought: text}
}

func answer(text string) reasoning.Decision {
	return reasoning.Decision{Kind: reasoning.DecisionFinalAnswer, Answer: text}
}

func TestExecutor_CompactsEveryTenEntries(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	node := f.activate(t, "coder_agent", "write the blog engine")
	for i := 0; i < 10; i++ {
		f.script.Push("coder_agent", thought("step"))
	}
	f.script.Push("coder_agent", answer("blog written"))

	out, err := f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, "blog written", out.Result)
	assert.Nil(t, out.Parent)

	reqs := f.script.Requests()
	require.Len(t, reqs, 11)
	assert.Len(t, reqs[9].Tail, 9)
	assert.Nil(t, reqs[9].Snapshot)
	// 第 10 条动作后压缩，下一次推理只看到快照
	require.NotNil(t, reqs[10].Snapshot)
	assert.Equal(t, int64(10), reqs[10].Snapshot.LastSummarizedSeq)
	assert.Empty(t, reqs[10].Tail)
	assert.Equal(t, "write the blog engine", reqs[10].Snapshot.State.Intent)

	l := f.log(t, node.ID)
	require.NotNil(t, l.Snapshot)
	assert.Equal(t, int64(10), l.Snapshot.LastSummarizedSeq)
	require.Len(t, l.Tail, 1)
	assert.Equal(t, actionlog.KindFinalAnswer, l.Tail[0].Kind)
	assert.Equal(t, int64(11), l.Tail[0].Seq)
	assert.Equal(t, 11, l.Counters.Turns)

	final, ok := f.mgr.Node(node.ID)
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusCompleted, final.Status)
	assert.Equal(t, "step", final.LatestThinking)
}

func TestExecutor_DelegationRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	root := f.activate(t, "alpha", "ship the blog")
	f.script.Push("alpha",
		reasoning.Decision{Kind: reasoning.DecisionDelegate, Agent: "coder_agent", Input: "write the posts page"},
		answer("blog shipped"),
	)
	f.script.Push("coder_agent", answer("posts page written"))

	out, err := f.exec.Run(ctx, f.session(true), root.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeDelegated, out.Kind)
	require.NotNil(t, out.Child)
	assert.Equal(t, "coder_agent", out.Child.AgentID)

	pending := f.log(t, root.ID).Pending
	require.NotNil(t, pending)
	assert.Equal(t, out.Child.ID, pending.ChildNodeID)

	childOut, err := f.exec.Run(ctx, f.session(true), out.Child.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, childOut.Kind)
	require.NotNil(t, childOut.Parent)
	assert.Equal(t, root.ID, childOut.Parent.ID)

	rootOut, err := f.exec.Run(ctx, f.session(true), root.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rootOut.Kind)
	assert.Equal(t, "blog shipped", rootOut.Result)

	l := f.log(t, root.ID)
	require.Len(t, l.Tail, 2)
	assert.Equal(t, actionlog.KindDelegation, l.Tail[0].Kind)
	assert.True(t, l.Tail[0].OK)
	assert.Equal(t, "posts page written", l.Tail[0].Output)
	assert.Nil(t, l.Pending)

	// 子节点的结果出现在父节点下一次推理的尾部
	reqs := f.script.Requests()
	last := reqs[len(reqs)-1]
	require.Len(t, last.Tail, 1)
	assert.Equal(t, "posts page written", last.Tail[0].Output)
}

func TestExecutor_ForbiddenDelegationKeepsNodeActive(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	root := f.activate(t, "alpha", "research the market")
	f.script.Push("alpha",
		reasoning.Decision{Kind: reasoning.DecisionDelegate, Agent: "web_search_agent", Input: "search"},
		answer("did it myself"),
	)

	out, err := f.exec.Run(context.Background(), f.session(true), root.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)

	l := f.log(t, root.ID)
	require.Len(t, l.Tail, 2)
	assert.Equal(t, actionlog.KindDelegation, l.Tail[0].Kind)
	assert.False(t, l.Tail[0].OK)
	assert.Contains(t, l.Tail[0].Error, "web_search_agent")
	assert.Equal(t, 1, l.Counters.ForbiddenDelegations)
}

func TestExecutor_RepeatedForbiddenDelegationEscalates(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{MaxForbiddenDelegations: 3}})
	root := f.activate(t, "alpha", "research the market")
	f.script.Fallback = &reasoning.Decision{Kind: reasoning.DecisionDelegate, Agent: "web_search_agent", Input: "search"}

	out, err := f.exec.Run(context.Background(), f.session(true), root.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Result, "forbidden delegations")
	assert.Len(t, f.script.Requests(), 3)

	node, _ := f.mgr.Node(root.ID)
	assert.Equal(t, hierarchy.StatusFailed, node.Status)
}

func TestExecutor_IdleGuard(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{MaxIdleDecisions: 5}})
	node := f.activate(t, "coder_agent", "refactor")
	f.script.Fallback = &reasoning.Decision{}

	out, err := f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Result, "no actionable decision")

	reqs := f.script.Requests()
	require.Len(t, reqs, 5)
	assert.Empty(t, reqs[0].Reminder)
	assert.NotEmpty(t, reqs[1].Reminder)
}

func TestExecutor_IdleStreakResetsOnAction(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{MaxIdleDecisions: 2}})
	node := f.activate(t, "coder_agent", "refactor")
	f.script.Push("coder_agent", reasoning.Decision{}, thought("ok"), reasoning.Decision{}, answer("done"))

	out, err := f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, 0, f.log(t, node.ID).Counters.IdleStreak)
}

func TestExecutor_MaxTurns(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{MaxTurns: 3}})
	node := f.activate(t, "coder_agent", "loop forever")
	f.script.Fallback = &reasoning.Decision{Kind: reasoning.DecisionThought, Thought: "hmm"}

	out, err := f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Result, "max turns")
	assert.Len(t, f.script.Requests(), 3)
}

func TestExecutor_ToolCallAutoMode(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	node := f.activate(t, "coder_agent", "write index")
	f.script.Push("coder_agent",
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "write_file", Params: map[string]any{"path": "index.md"}},
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "web_search", Params: map[string]any{"q": "go"}},
		answer("index written"),
	)

	out, err := f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, int32(1), f.writes.Load())

	l := f.log(t, node.ID)
	require.Len(t, l.Tail, 3)
	assert.True(t, l.Tail[0].OK)
	assert.Equal(t, "index.md", l.Tail[0].Params["path"])
	assert.False(t, l.Tail[1].OK)
	assert.Contains(t, l.Tail[1].Error, "not permitted")

	tokens := f.eventsOf(events.TypeToken)
	require.NotEmpty(t, tokens)
	assert.Contains(t, tokens[0].Text, "written")
	results := f.eventsOf(events.TypeResult)
	require.Len(t, results, 1)
	assert.True(t, *results[0].OK)
}

func TestExecutor_ConfirmationTimeoutContinuesRun(t *testing.T) {
	f := newFixture(t, fixtureOpts{confirmTimeout: 30 * time.Millisecond})
	node := f.activate(t, "coder_agent", "write index")
	f.script.Push("coder_agent",
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "write_file", Params: map[string]any{"path": "index.md"}},
		answer("gave up on the file"),
	)

	out, err := f.exec.Run(context.Background(), f.session(false), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, int32(0), f.writes.Load())

	l := f.log(t, node.ID)
	require.Len(t, l.Tail, 2)
	assert.False(t, l.Tail[0].OK)
	assert.NotEmpty(t, l.Tail[0].Error)
}

func TestExecutor_StopInterruptsAndResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	node := f.activate(t, "coder_agent", "write posts")
	f.script.Push("coder_agent", thought("planning"), answer("posts written"))
	f.script.DecideFn = func(ctx context.Context, req reasoning.Request) (reasoning.Response, bool, error) {
		if req.Turn == 1 {
			f.stopped.Store(true)
		}
		return reasoning.Response{}, false, nil
	}

	out, err := f.exec.Run(ctx, f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out.Kind)
	n, _ := f.mgr.Node(node.ID)
	assert.Equal(t, hierarchy.StatusInterrupted, n.Status)
	require.Len(t, f.log(t, node.ID).Tail, 1)

	f.stopped.Store(false)
	out, err = f.exec.Run(ctx, f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)

	l := f.log(t, node.ID)
	require.Len(t, l.Tail, 2)
	assert.Equal(t, int64(1), l.Tail[0].Seq)
	assert.Equal(t, int64(2), l.Tail[1].Seq)
}

func TestExecutor_StopDuringToolReexecutesOnResume(t *testing.T) {
	started := make(chan struct{}, 1)
	var calls atomic.Int32
	f := newFixture(t, fixtureOpts{writeFn: func(ctx context.Context, call gateway.Call) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"written":true}`), nil
	}})
	node := f.activate(t, "coder_agent", "write posts")
	f.script.Push("coder_agent",
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "write_file", Params: map[string]any{"path": "post.md"}},
		answer("posts written"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		f.stopped.Store(true)
		cancel()
	}()

	out, err := f.exec.Run(ctx, f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out.Kind)

	// 被打断的调用不是一次失败的步骤
	l := f.log(t, node.ID)
	assert.Empty(t, l.Tail)
	require.NotNil(t, l.Pending)
	assert.Equal(t, actionlog.KindToolCall, l.Pending.Kind)
	assert.Equal(t, "write_file", l.Pending.Name)

	f.stopped.Store(false)
	out, err = f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, int32(2), calls.Load())

	l = f.log(t, node.ID)
	assert.Nil(t, l.Pending)
	require.Len(t, l.Tail, 2)
	assert.Equal(t, actionlog.KindToolCall, l.Tail[0].Kind)
	assert.True(t, l.Tail[0].OK)
	assert.Equal(t, int64(1), l.Tail[0].Seq)
}

func TestExecutor_CancelledContextInterrupts(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	node := f.activate(t, "coder_agent", "write posts")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.exec.Run(ctx, f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out.Kind)
	assert.Empty(t, f.script.Requests())
}

func TestExecutor_FinalAnswerShortCircuit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	node := f.activate(t, "coder_agent", "write posts")

	l, err := f.logs.LoadOrCreate(ctx, f.mgr.TaskKey(), testTask, node.ID, node.AgentID, node.Input)
	require.NoError(t, err)
	l.Append(actionlog.Entry{Kind: actionlog.KindFinalAnswer, Name: "final_answer", OK: true, Output: "already done"})
	require.NoError(t, f.logs.Save(ctx, f.mgr.TaskKey(), l))

	out, err := f.exec.Run(ctx, f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, "already done", out.Result)
	assert.Empty(t, f.script.Requests())
}

func TestExecutor_PendingHILSurvivesRestart(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	root := f.activate(t, "alpha", "pick a theme")
	f.script.Push("alpha",
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "human_in_loop", Params: map[string]any{"instruction": "dark or light?"}},
		answer("theme picked"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, err := f.exec.Run(ctx, f.session(false), root.ID)
		assert.NoError(t, err)
		done <- out
	}()

	var hilID string
	require.Eventually(t, func() bool {
		task, err := f.hil.Pending(context.Background(), testTask)
		if err != nil {
			return false
		}
		hilID = task.ID
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := f.mgr.Node(root.ID)
		return n.Status == hierarchy.StatusSuspendedOnHIL
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	out := <-done
	assert.Equal(t, OutcomeInterrupted, out.Kind)

	l := f.log(t, root.ID)
	require.NotNil(t, l.Pending)
	assert.Equal(t, hilID, l.Pending.CallID)

	_, err := f.hil.Respond(context.Background(), hilID, "dark")
	require.NoError(t, err)

	out, err = f.exec.Run(context.Background(), f.session(false), root.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)

	l = f.log(t, root.ID)
	require.Len(t, l.Tail, 2)
	assert.True(t, l.Tail[0].OK)
	assert.True(t, strings.Contains(l.Tail[0].Output, "dark"))
	assert.Contains(t, l.Tail[0].Output, hilID)
}

func TestExecutor_HILTimeout(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{HILTimeout: 30 * time.Millisecond}})
	root := f.activate(t, "alpha", "pick a theme")
	f.script.Push("alpha",
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "human_in_loop", Params: map[string]any{"instruction": "dark or light?"}},
		answer("picked dark without asking"),
	)

	out, err := f.exec.Run(context.Background(), f.session(false), root.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)

	l := f.log(t, root.ID)
	require.Len(t, l.Tail, 2)
	assert.False(t, l.Tail[0].OK)
	assert.Contains(t, l.Tail[0].Error, "no human response")
}

func TestExecutor_HILTimeoutRetiresRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{cfg: Config{HILTimeout: 30 * time.Millisecond}})
	root := f.activate(t, "alpha", "pick a theme")
	ask := func(q string) reasoning.Decision {
		return reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "human_in_loop", Params: map[string]any{"instruction": q}}
	}
	f.script.Push("alpha", ask("dark or light?"), ask("which font?"), answer("picked defaults"))

	out, err := f.exec.Run(ctx, f.session(false), root.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)

	// 第二个问题必须真正交给人，而不是复用过期的第一个
	tasks, err := f.hil.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "dark or light?", tasks[0].Instruction)
	assert.Equal(t, "which font?", tasks[1].Instruction)
	for _, task := range tasks {
		assert.Equal(t, hitl.StatusExpired, task.Status, task.Instruction)
	}

	_, err = f.hil.Pending(ctx, testTask)
	assert.True(t, types.IsCode(err, types.ErrHILNotFound))

	// 迟到的回复不会被当成后续问题的答案
	_, err = f.hil.Respond(ctx, tasks[0].ID, "dark")
	assert.True(t, types.IsCode(err, types.ErrHILExpired))

	l := f.log(t, root.ID)
	require.Len(t, l.Tail, 3)
	for _, e := range l.Tail[:2] {
		assert.False(t, e.OK)
		assert.Contains(t, e.Error, "no human response")
	}
}

func TestExecutor_ReasoningErrorsCountAsIdle(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{MaxIdleDecisions: 2}})
	node := f.activate(t, "coder_agent", "write posts")
	f.script.DecideFn = func(ctx context.Context, req reasoning.Request) (reasoning.Response, bool, error) {
		return reasoning.Response{}, false, assert.AnError
	}

	out, err := f.exec.Run(context.Background(), f.session(true), node.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Result, "reasoning failed")
}
