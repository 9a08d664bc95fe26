package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agenttree/api"
	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/gateway"
	"github.com/BaSui01/agenttree/orchestrator"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/reasoning"
	"github.com/BaSui01/agenttree/types"
)

const shopTask = "/home/dev/workspace/bookshop"

// =============================================================================
// 🧪 测试装配：真实运行时 + 脚本推理
// =============================================================================

type apiFixture struct {
	t      *testing.T
	rt     *orchestrator.Runtime
	script *reasoning.Scripted
	writes *atomic.Int32
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Type = config.StoreTypeMemory
	cfg.Orchestrator.HILPollInterval = 5 * time.Millisecond
	cfg.Orchestrator.LockTTL = time.Second
	cfg.Agents = []config.AgentSpec{
		{Name: "alpha", Level: 2, Children: []string{"coder_agent"}, Tools: []string{"human_in_loop", "write_file"}},
		{Name: "coder_agent", Level: 1, Tools: []string{"write_file"}},
	}

	logger := zaptest.NewLogger(t)
	script := reasoning.NewScripted(nil)
	writes := &atomic.Int32{}
	rt, err := orchestrator.NewRuntime(context.Background(), cfg, orchestrator.RuntimeOptions{
		Reasoner: script,
		Backend: &persistence.Backend{
			Docs:  persistence.NewMemoryStore(),
			Locks: persistence.NewMemoryLocker(),
			Type:  config.StoreTypeMemory,
		},
		Tools: []gateway.Tool{gateway.Func{ToolName: "write_file", Fn: func(ctx context.Context, call gateway.Call) (json.RawMessage, error) {
			writes.Add(1)
			return json.RawMessage(`{"written":true}`), nil
		}}},
		Registerer: prometheus.NewRegistry(),
	}, logger)
	require.NoError(t, err)

	tasks := NewTaskHandler(rt.Engine, logger)
	stream := NewEventHandler(rt.Hub, EventHandlerOptions{Heartbeat: 50 * time.Millisecond}, logger)
	hil := NewHILHandler(rt.HIL, rt.Metrics, logger)
	confirms := NewConfirmHandler(rt.Confirmations, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/run", tasks.HandleRun)
	mux.HandleFunc("POST /api/tasks/stop", tasks.HandleStop)
	mux.HandleFunc("GET /api/tasks/state", tasks.HandleState)
	mux.HandleFunc("GET /api/tasks/events", stream.HandleSSE)
	mux.HandleFunc("GET /api/tasks/ws", stream.HandleWebSocket)
	mux.HandleFunc("GET /api/hil/workspace", hil.HandleWorkspace)
	mux.HandleFunc("GET /api/hil/{hil_id}", hil.HandleGet)
	mux.HandleFunc("POST /api/hil/respond", hil.HandleRespond)
	mux.HandleFunc("GET /api/confirm", confirms.HandleList)
	mux.HandleFunc("POST /api/confirm/{confirm_id}", confirms.HandleDecide)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
		srv.CloseClientConnections()
		srv.Close()
	})
	return &apiFixture{t: t, rt: rt, script: script, writes: writes, srv: srv}
}

// do 发送请求并解码统一响应，data 非空时解码 Data 字段
func (f *apiFixture) do(method, path string, body any, data any) (int, Response) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&out))
	if data != nil && len(out.Data) > 0 {
		require.NoError(f.t, json.Unmarshal(out.Data, data))
	}
	return resp.StatusCode, out.Response
}

func query(task string) string {
	return "?task_id=" + url.QueryEscape(task)
}

func (f *apiFixture) run(input string, autoMode bool) api.RunTaskResponse {
	f.t.Helper()
	var accepted api.RunTaskResponse
	status, resp := f.do(http.MethodPost, "/api/tasks/run", api.RunTaskRequest{
		TaskID: shopTask, Agent: "alpha", Input: input, AutoMode: &autoMode,
	}, &accepted)
	require.Equal(f.t, http.StatusAccepted, status, "%+v", resp.Error)
	return accepted
}

func (f *apiFixture) waitIdle() {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return len(f.rt.Engine.Active()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// 🧪 任务端点测试
// =============================================================================

func TestTaskHandler_RunIsAcceptedAndCompletes(t *testing.T) {
	f := newAPIFixture(t)
	f.script.Push("alpha",
		reasoning.Decision{Kind: reasoning.DecisionDelegate, Agent: "coder_agent", Input: "write index.html"},
		reasoning.Decision{Kind: reasoning.DecisionFinalAnswer, Answer: "shop online"},
	)
	f.script.Push("coder_agent",
		reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "write_file", Params: map[string]any{"path": "index.html"}},
		reasoning.Decision{Kind: reasoning.DecisionFinalAnswer, Answer: "index.html written"},
	)

	accepted := f.run("open the shop", true)
	assert.Equal(t, shopTask, accepted.TaskID)
	assert.Equal(t, "accepted", accepted.Status)
	assert.NotEmpty(t, accepted.RunID)

	f.waitIdle()
	assert.Equal(t, int32(1), f.writes.Load())

	var st orchestrator.TaskState
	status, _ := f.do(http.MethodGet, "/api/tasks/state"+query(shopTask), nil, &st)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, st.Running)
	require.NotNil(t, st.Tree)
	assert.Equal(t, "alpha", st.Tree.AgentID)
	require.Len(t, st.Tree.Children, 1)
	assert.Equal(t, "coder_agent", st.Tree.Children[0].AgentID)
	assert.Equal(t, "index.html written", st.Tree.Children[0].Result)
}

func TestTaskHandler_SecondRunIsLocked(t *testing.T) {
	f := newAPIFixture(t)
	f.script.Push("alpha", reasoning.Decision{Kind: reasoning.DecisionToolCall, Tool: "human_in_loop", Params: map[string]any{"instruction": "which theme?"}})
	f.run("pick a theme", true)

	auto := true
	status, resp := f.do(http.MethodPost, "/api/tasks/run", api.RunTaskRequest{
		TaskID: shopTask, Agent: "alpha", Input: "again", AutoMode: &auto,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrTaskLocked), resp.Error.Code)

	var stopped api.StopTaskResponse
	status, _ = f.do(http.MethodPost, "/api/tasks/stop", api.StopTaskRequest{TaskID: shopTask}, &stopped)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, stopped.Stopped)
	f.waitIdle()

	var st orchestrator.TaskState
	f.do(http.MethodGet, "/api/tasks/state"+query(shopTask), nil, &st)
	require.Len(t, st.Stack, 1)
	assert.Equal(t, "interrupted", string(st.Stack[0].Status))
}

func TestTaskHandler_Validation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"missing input", http.MethodPost, "/api/tasks/run", map[string]any{"task_id": shopTask, "agent": "alpha"}, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", http.MethodPost, "/api/tasks/run", map[string]any{"task_id": shopTask, "agent": "alpha", "input": "x", "model": "y"}, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown agent", http.MethodPost, "/api/tasks/run", map[string]any{"task_id": shopTask, "agent": "ghost", "input": "x"}, http.StatusNotFound, types.ErrAgentNotFound},
		{"stop without task", http.MethodPost, "/api/tasks/stop", map[string]any{}, http.StatusBadRequest, types.ErrInvalidRequest},
		{"state without task", http.MethodGet, "/api/tasks/state", nil, http.StatusBadRequest, types.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := f.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantStatus, status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
	assert.Empty(t, f.rt.Engine.Active())
}

func TestTaskHandler_RequiresJSONContentType(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Post(f.srv.URL+"/api/tasks/run", "text/plain", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestTaskHandler_StopIdleTask(t *testing.T) {
	f := newAPIFixture(t)
	var stopped api.StopTaskResponse
	status, _ := f.do(http.MethodPost, "/api/tasks/stop", api.StopTaskRequest{TaskID: shopTask}, &stopped)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, stopped.Stopped)
}
