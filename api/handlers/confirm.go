package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/api"
	"github.com/BaSui01/agenttree/gateway"
)

// Confirmations 确认处理器依赖的能力
type Confirmations interface {
	List(ctx context.Context, taskID string) ([]*gateway.Confirmation, error)
	Decide(ctx context.Context, confirmID string, decision gateway.Decision) (*gateway.Confirmation, error)
}

// ConfirmHandler 工具调用确认处理器
type ConfirmHandler struct {
	confirms Confirmations
	logger   *zap.Logger
}

// NewConfirmHandler 创建确认处理器
func NewConfirmHandler(confirms Confirmations, logger *zap.Logger) *ConfirmHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmHandler{
		confirms: confirms,
		logger:   logger.With(zap.String("handler", "confirm")),
	}
}

// HandleList 处理 GET /api/confirm?task_id=
// @Summary 列出工具确认请求
// @Tags 确认
// @Produce json
// @Param task_id query string true "任务身份"
// @Success 200 {object} Response{data=[]gateway.Confirmation}
// @Router /api/confirm [get]
func (h *ConfirmHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireQuery(w, r, "task_id", h.logger)
	if !ok {
		return
	}
	list, err := h.confirms.List(r.Context(), taskID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []*gateway.Confirmation{}
	}
	WriteSuccess(w, list)
}

// HandleDecide 处理 POST /api/confirm/{confirm_id}
// @Summary 批准或拒绝工具调用
// @Tags 确认
// @Accept json
// @Produce json
// @Param confirm_id path string true "确认 ID"
// @Param request body api.ConfirmDecisionRequest true "决定"
// @Success 200 {object} Response{data=gateway.Confirmation}
// @Failure 400 {object} Response "决定无效"
// @Failure 404 {object} Response "不存在"
// @Failure 409 {object} Response "已决定"
// @Router /api/confirm/{confirm_id} [post]
func (h *ConfirmHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	confirmID := strings.TrimSpace(r.PathValue("confirm_id"))
	if confirmID == "" {
		WriteAnyError(w, missingField("confirm_id"), h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ConfirmDecisionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	c, err := h.confirms.Decide(r.Context(), confirmID, gateway.Decision(strings.ToLower(strings.TrimSpace(req.Decision))))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, c)
}
