package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agenttree/types"
)

type fakeToolServer struct {
	creates  atomic.Int32
	statuses atomic.Int32
	executes atomic.Int32
	known    atomic.Bool
}

func (f *fakeToolServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/task/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		f.statuses.Add(1)
		if !f.known.Load() {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"task not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/task/create", func(w http.ResponseWriter, r *http.Request) {
		f.creates.Add(1)
		f.known.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/tool/execute", func(w http.ResponseWriter, r *http.Request) {
		f.executes.Add(1)
		var body struct {
			TaskID   string         `json:"task_id"`
			ToolName string         `json:"tool_name"`
			Params   map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body.ToolName {
		case "file_read":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"content": "hello", "path": body.Params["path"]}})
		case "crash":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream down"}`))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unknown tool " + body.ToolName})
		}
	})
	return mux
}

func TestRemoteClient_Execute(t *testing.T) {
	fake := &fakeToolServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewRemoteClient(RemoteConfig{BaseURL: srv.URL + "/", Timeout: time.Second, RateLimit: 100, Burst: 10}, nil)
	ctx := context.Background()

	out, err := client.Execute(ctx, Call{TaskID: testTask, Tool: "file_read", Params: map[string]any{"path": "a.txt"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hello","path":"a.txt"}`, string(out))
	assert.Equal(t, int32(1), fake.creates.Load())

	// 同一任务只确保一次
	_, err = client.Execute(ctx, Call{TaskID: testTask, Tool: "file_read"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.statuses.Load())

	_, err = client.Execute(ctx, Call{TaskID: testTask, Tool: "nope"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrToolExecution))
	assert.Contains(t, err.Error(), "unknown tool nope")

	_, err = client.Execute(ctx, Call{TaskID: testTask, Tool: "crash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestRemoteTool_ThroughGateway(t *testing.T) {
	fake := &fakeToolServer{}
	fake.known.Store(true)
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	reg := NewRegistry(nil)
	client := NewRemoteClient(RemoteConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, RegisterRemote(reg, client, []string{"file_read", "crash"}, time.Second))
	gw := New(reg, nil, nil, Options{}, nil)

	res, err := gw.Invoke(context.Background(), Request{Call: Call{TaskID: testTask, Tool: "file_read",
		Params: map[string]any{"path": "b.txt"}}, AutoMode: true})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Contains(t, res.Output, `"content": "hello"`)
	assert.Equal(t, int32(0), fake.creates.Load())

	res, err = gw.Invoke(context.Background(), Request{Call: Call{TaskID: testTask, Tool: "crash"}, AutoMode: true})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)

	// 无确认管理器时非自动模式被拒绝
	res, err = gw.Invoke(context.Background(), Request{Call: Call{TaskID: testTask, Tool: "file_read"}})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
}
