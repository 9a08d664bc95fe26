package api

import (
	"time"
)

// =============================================================================
// 任务类型
// =============================================================================

// RunTaskRequest 启动一条指令
// @Description 运行请求结构
type RunTaskRequest struct {
	// 任务身份，通常是工作区的绝对路径
	TaskID string `json:"task_id" example:"/home/dev/workspace/bookshop" binding:"required"`
	// 根 Agent 名称
	Agent string `json:"agent" example:"alpha_agent" binding:"required"`
	// 用户指令
	Input string `json:"input" example:"build the bookshop" binding:"required"`
	// 为空时使用服务端默认值
	AutoMode *bool `json:"auto_mode,omitempty"`
}

// RunTaskResponse 运行已被接受
type RunTaskResponse struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status" example:"accepted"`
	StartedAt time.Time `json:"started_at"`
}

// StopTaskRequest 停止运行
type StopTaskRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// StopTaskResponse 停止结果，Stopped 为 false 表示任务没有在运行
type StopTaskResponse struct {
	TaskID  string `json:"task_id"`
	Stopped bool   `json:"stopped"`
}

// =============================================================================
// 人工介入类型
// =============================================================================

// HILRespondRequest 回复 HIL 请求
type HILRespondRequest struct {
	HILID    string `json:"hil_id" binding:"required"`
	Response string `json:"response"`
}

// HILWorkspaceResponse 任务当前的 HIL 状态，Pending 为 false 时 Task 为空
type HILWorkspaceResponse struct {
	TaskID  string `json:"task_id"`
	Pending bool   `json:"pending"`
	Task    any    `json:"task,omitempty"`
}

// ConfirmDecisionRequest 工具确认决定，approve 或 deny
type ConfirmDecisionRequest struct {
	Decision string `json:"decision" example:"approve" binding:"required"`
}
