package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

type countingRecorder struct{ events []string }

func (c *countingRecorder) RecordHIL(event string) { c.events = append(c.events, event) }

func newHILMux(t *testing.T) (*http.ServeMux, *hitl.Queue, *countingRecorder) {
	t.Helper()
	queue := hitl.NewQueue(persistence.NewMemoryStore(), 5*time.Millisecond, zap.NewNop())
	rec := &countingRecorder{}
	h := NewHILHandler(queue, rec, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/hil/workspace", h.HandleWorkspace)
	mux.HandleFunc("GET /api/hil/{hil_id}", h.HandleGet)
	mux.HandleFunc("POST /api/hil/respond", h.HandleRespond)
	return mux, queue, rec
}

func serve(mux http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHILHandler_RespondOnce(t *testing.T) {
	mux, queue, rec := newHILMux(t)
	task, err := queue.Request(context.Background(), hitl.RequestOptions{
		TaskID: shopTask, NodeID: "alpha_1a2b3c4d", AgentID: "alpha", Instruction: "approve the logo?",
	})
	require.NoError(t, err)

	w, resp := serve(mux, http.MethodGet, "/api/hil/"+task.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, resp = serve(mux, http.MethodGet, "/api/hil/workspace"+query(shopTask), "")
	require.Equal(t, http.StatusOK, w.Code)
	ws := resp.Data.(map[string]any)
	assert.Equal(t, true, ws["pending"])

	body := `{"hil_id":"` + task.ID + `","response":"yes"}`
	w, _ = serve(mux, http.MethodPost, "/api/hil/respond", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"responded"}, rec.events)

	w, resp = serve(mux, http.MethodPost, "/api/hil/respond", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrHILAlreadyResponded), resp.Error.Code)

	w, resp = serve(mux, http.MethodGet, "/api/hil/workspace"+query(shopTask), "")
	require.Equal(t, http.StatusOK, w.Code)
	ws = resp.Data.(map[string]any)
	assert.Equal(t, false, ws["pending"])
	assert.Nil(t, ws["task"])
}

func TestHILHandler_Errors(t *testing.T) {
	mux, _, rec := newHILMux(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"unknown hil", http.MethodGet, "/api/hil/3f2a", "", http.StatusNotFound, types.ErrHILNotFound},
		{"respond unknown", http.MethodPost, "/api/hil/respond", `{"hil_id":"3f2a","response":"x"}`, http.StatusNotFound, types.ErrHILNotFound},
		{"respond without id", http.MethodPost, "/api/hil/respond", `{"response":"x"}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"workspace without task", http.MethodGet, "/api/hil/workspace", "", http.StatusBadRequest, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := serve(mux, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
	assert.Empty(t, rec.events)
}
