package orchestrator

import (
	"context"

	"github.com/BaSui01/agenttree/hierarchy"
)

// TaskState 任务的只读视图：调用栈、调用树与指令记录
type TaskState struct {
	TaskID       string                  `json:"task_id"`
	Running      bool                    `json:"running"`
	Stack        []hierarchy.CallNode    `json:"stack"`
	Tree         *hierarchy.TreeNode     `json:"tree,omitempty"`
	Instructions []hierarchy.Instruction `json:"instructions,omitempty"`
	Archived     int                     `json:"archived_runs"`
}

// State 不获取任务锁地读取状态
func (e *Engine) State(ctx context.Context, taskID string) (TaskState, error) {
	mgr, err := e.registry.Inspect(ctx, taskID)
	if err != nil {
		return TaskState{}, err
	}
	_, running := e.registry.Get(taskID)
	sc := mgr.SharedContext()
	st := TaskState{
		TaskID:       taskID,
		Running:      running,
		Stack:        mgr.Stack(),
		Instructions: sc.Instructions,
		Archived:     len(sc.History),
	}
	if tree, ok := mgr.Tree(); ok {
		st.Tree = &tree
	}
	return st, nil
}
