package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/api"
	"github.com/BaSui01/agenttree/hitl"
	"github.com/BaSui01/agenttree/types"
)

// HILQueue HIL 处理器依赖的队列能力
type HILQueue interface {
	Get(ctx context.Context, hilID string) (*hitl.Task, error)
	Pending(ctx context.Context, taskID string) (*hitl.Task, error)
	Respond(ctx context.Context, hilID, response string) (*hitl.Task, error)
}

// HILRecorder 记录 HIL 指标
type HILRecorder interface {
	RecordHIL(event string)
}

// HILHandler 人工介入处理器
type HILHandler struct {
	queue   HILQueue
	metrics HILRecorder
	logger  *zap.Logger
}

// NewHILHandler 创建 HIL 处理器，metrics 可为空
func NewHILHandler(queue HILQueue, metrics HILRecorder, logger *zap.Logger) *HILHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HILHandler{
		queue:   queue,
		metrics: metrics,
		logger:  logger.With(zap.String("handler", "hil")),
	}
}

// HandleGet 处理 GET /api/hil/{hil_id}
// @Summary 读取 HIL 请求
// @Tags 人工介入
// @Produce json
// @Param hil_id path string true "HIL ID"
// @Success 200 {object} Response{data=hitl.Task}
// @Failure 404 {object} Response "不存在"
// @Router /api/hil/{hil_id} [get]
func (h *HILHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	hilID := strings.TrimSpace(r.PathValue("hil_id"))
	if hilID == "" {
		WriteAnyError(w, missingField("hil_id"), h.logger)
		return
	}
	task, err := h.queue.Get(r.Context(), hilID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, task)
}

// HandleWorkspace 处理 GET /api/hil/workspace?task_id=
// @Summary 任务当前的 HIL 请求
// @Description 没有待回复的请求时 pending 为 false
// @Tags 人工介入
// @Produce json
// @Param task_id query string true "任务身份"
// @Success 200 {object} Response{data=api.HILWorkspaceResponse}
// @Router /api/hil/workspace [get]
func (h *HILHandler) HandleWorkspace(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireQuery(w, r, "task_id", h.logger)
	if !ok {
		return
	}
	task, err := h.queue.Pending(r.Context(), taskID)
	switch {
	case types.IsCode(err, types.ErrHILNotFound):
		WriteSuccess(w, api.HILWorkspaceResponse{TaskID: taskID})
	case err != nil:
		WriteAnyError(w, err, h.logger)
	default:
		WriteSuccess(w, api.HILWorkspaceResponse{TaskID: taskID, Pending: true, Task: task})
	}
}

// HandleRespond 处理 POST /api/hil/respond
// @Summary 回复 HIL 请求
// @Description 每个请求只能回复一次，重复回复返回 409
// @Tags 人工介入
// @Accept json
// @Produce json
// @Param request body api.HILRespondRequest true "回复"
// @Success 200 {object} Response{data=hitl.Task}
// @Failure 404 {object} Response "不存在"
// @Failure 409 {object} Response "已回复"
// @Router /api/hil/respond [post]
func (h *HILHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.HILRespondRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.HILID) == "" {
		WriteAnyError(w, missingField("hil_id"), h.logger)
		return
	}

	task, err := h.queue.Respond(r.Context(), req.HILID, req.Response)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordHIL("responded")
	}
	WriteSuccess(w, task)
}
