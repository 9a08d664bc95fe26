package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/api"
	"github.com/BaSui01/agenttree/hierarchy"
	"github.com/BaSui01/agenttree/orchestrator"
)

// TaskEngine 任务处理器依赖的引擎能力
type TaskEngine interface {
	Start(ctx context.Context, req orchestrator.RunRequest) (*hierarchy.Run, error)
	Stop(taskID string) bool
	State(ctx context.Context, taskID string) (orchestrator.TaskState, error)
}

// TaskHandler 任务运行处理器
type TaskHandler struct {
	engine TaskEngine
	logger *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(engine TaskEngine, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		engine: engine,
		logger: logger.With(zap.String("handler", "tasks")),
	}
}

// HandleRun 处理 POST /api/tasks/run
// @Summary 启动指令
// @Description 获取任务锁后在后台运行，事件通过 /api/tasks/events 订阅
// @Tags 任务
// @Accept json
// @Produce json
// @Param request body api.RunTaskRequest true "运行请求"
// @Success 202 {object} Response{data=api.RunTaskResponse}
// @Failure 400 {object} Response "无效请求"
// @Failure 404 {object} Response "Agent 不存在"
// @Failure 409 {object} Response "任务已在运行"
// @Router /api/tasks/run [post]
func (h *TaskHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.RunTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	run, err := h.engine.Start(r.Context(), orchestrator.RunRequest{
		TaskID:   req.TaskID,
		Agent:    req.Agent,
		Input:    req.Input,
		AutoMode: req.AutoMode,
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	h.logger.Info("run accepted",
		zap.String("task_id", run.TaskID),
		zap.String("agent", req.Agent),
		zap.String("run_id", run.Owner),
	)
	WriteSuccessStatus(w, http.StatusAccepted, api.RunTaskResponse{
		TaskID:    run.TaskID,
		RunID:     run.Owner,
		Status:    "accepted",
		StartedAt: run.StartedAt,
	})
}

// HandleStop 处理 POST /api/tasks/stop
// @Summary 停止任务
// @Description 发送停止信号，运行在下一个检查点落盘后退出
// @Tags 任务
// @Accept json
// @Produce json
// @Param request body api.StopTaskRequest true "停止请求"
// @Success 200 {object} Response{data=api.StopTaskResponse}
// @Router /api/tasks/stop [post]
func (h *TaskHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.StopTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TaskID == "" {
		WriteAnyError(w, missingField("task_id"), h.logger)
		return
	}

	stopped := h.engine.Stop(req.TaskID)
	h.logger.Info("stop requested", zap.String("task_id", req.TaskID), zap.Bool("running", stopped))
	WriteSuccess(w, api.StopTaskResponse{TaskID: req.TaskID, Stopped: stopped})
}

// HandleState 处理 GET /api/tasks/state?task_id=
// @Summary 任务状态
// @Description 返回调用栈、调用树与指令记录，不获取任务锁
// @Tags 任务
// @Produce json
// @Param task_id query string true "任务身份"
// @Success 200 {object} Response{data=orchestrator.TaskState}
// @Router /api/tasks/state [get]
func (h *TaskHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireQuery(w, r, "task_id", h.logger)
	if !ok {
		return
	}
	st, err := h.engine.State(r.Context(), taskID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, st)
}
