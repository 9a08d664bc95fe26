// Package hierarchy 管理任务的调用树：扁平节点表、调用栈、委派规则、作用域上下文，
// 以及按任务身份持有单写者锁的运行注册表。
package hierarchy

import (
	"time"
)

// Status 节点状态
type Status string

const (
	StatusActive           Status = "active"
	StatusSuspendedOnChild Status = "suspended_on_child"
	StatusSuspendedOnHIL   Status = "suspended_on_hil"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusInterrupted      Status = "interrupted"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Executing 是否为栈顶可执行状态（HIL 挂起与中断的叶子仍是当前执行节点）
func (s Status) Executing() bool {
	return s == StatusActive || s == StatusSuspendedOnHIL || s == StatusInterrupted
}

// CallNode 调用树中的一个 Agent 实例。父子关系通过节点 ID 引用。
type CallNode struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Level          int        `json:"level"`
	ParentID       string     `json:"parent_id,omitempty"`
	Children       []string   `json:"children,omitempty"`
	Status         Status     `json:"status"`
	Input          string     `json:"input"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	LatestThinking string     `json:"latest_thinking,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (n *CallNode) clone() *CallNode {
	c := *n
	c.Children = append([]string(nil), n.Children...)
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Instruction 用户指令日志
type Instruction struct {
	Text      string    `json:"text"`
	AgentID   string    `json:"agent_id"`
	StartedAt time.Time `json:"started_at"`
}

// ArchivedRun 被新指令替换的旧调用树
type ArchivedRun struct {
	Instruction string               `json:"instruction"`
	RootAgent   string               `json:"root_agent"`
	Status      Status               `json:"status"`
	Summary     string               `json:"summary"`
	Nodes       map[string]*CallNode `json:"nodes"`
	ArchivedAt  time.Time            `json:"archived_at"`
}

// SharedContext 存储在 {task}_share_context：调用图本体及指令、历史
type SharedContext struct {
	TaskID       string               `json:"task_id"`
	RootID       string               `json:"root_id,omitempty"`
	Nodes        map[string]*CallNode `json:"nodes"`
	Instructions []Instruction        `json:"instructions,omitempty"`
	History      []ArchivedRun        `json:"history,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func (s *SharedContext) clone() *SharedContext {
	c := *s
	c.Nodes = cloneNodes(s.Nodes)
	c.Instructions = append([]Instruction(nil), s.Instructions...)
	c.History = append([]ArchivedRun(nil), s.History...)
	return &c
}

func cloneNodes(in map[string]*CallNode) map[string]*CallNode {
	out := make(map[string]*CallNode, len(in))
	for id, n := range in {
		out[id] = n.clone()
	}
	return out
}

// StackDocument 存储在 {task}_stack：根到当前叶子的节点记录
type StackDocument struct {
	TaskID    string     `json:"task_id"`
	Nodes     []CallNode `json:"nodes"`
	UpdatedAt time.Time  `json:"updated_at"`
}
