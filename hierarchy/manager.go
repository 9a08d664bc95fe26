package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

// Manager 拥有一个任务的调用图。所有变更先在副本上完成并持久化，成功后才替换内存状态，
// 因此内存中的栈始终是持久化文档的缓存。
type Manager struct {
	taskID  string
	taskKey string
	lib     *config.AgentLibrary
	docs    persistence.DocumentStore
	logger  *zap.Logger

	mu    sync.RWMutex
	state *SharedContext
	stack []string

	now   func() time.Time
	newID func(agentID string) string
}

// NewManager 创建管理器，需调用 Load 读取持久化状态
func NewManager(taskID string, lib *config.AgentLibrary, docs persistence.DocumentStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		taskID:  taskID,
		taskKey: persistence.TaskKey(taskID),
		lib:     lib,
		docs:    docs,
		logger:  logger.With(zap.String("component", "hierarchy"), zap.String("task_id", taskID)),
		state:   &SharedContext{TaskID: taskID, Nodes: map[string]*CallNode{}},
		now:     func() time.Time { return time.Now().UTC() },
		newID: func(agentID string) string {
			return agentID + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
}

// TaskID 返回任务身份
func (m *Manager) TaskID() string { return m.taskID }

// TaskKey 返回文档键前缀
func (m *Manager) TaskKey() string { return m.taskKey }

// Load 读取 share_context 并由节点表推导调用栈
func (m *Manager) Load(ctx context.Context) error {
	var sc SharedContext
	err := persistence.LoadJSON(ctx, m.docs, persistence.ShareContextKey(m.taskKey), &sc)
	if errors.Is(err, persistence.ErrNotFound) {
		sc = SharedContext{TaskID: m.taskID}
	} else if err != nil {
		return err
	}
	if sc.Nodes == nil {
		sc.Nodes = map[string]*CallNode{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &sc
	m.stack = deriveStack(&sc)
	return nil
}

// deriveStack 从根沿唯一的非终态子节点向下，得到根到叶子的路径
func deriveStack(sc *SharedContext) []string {
	root, ok := sc.Nodes[sc.RootID]
	if !ok || root.Status.Terminal() {
		return nil
	}
	stack := []string{root.ID}
	cur := root
	for cur.Status == StatusSuspendedOnChild {
		var next *CallNode
		for i := len(cur.Children) - 1; i >= 0; i-- {
			if c, ok := sc.Nodes[cur.Children[i]]; ok && !c.Status.Terminal() {
				next = c
				break
			}
		}
		if next == nil {
			break
		}
		stack = append(stack, next.ID)
		cur = next
	}
	return stack
}

// commit 在状态副本上应用 mutate，持久化成功后替换内存状态
func (m *Manager) commit(ctx context.Context, mutate func(sc *SharedContext, stack []string) ([]string, error)) error {
	next := m.state.clone()
	stack, err := mutate(next, append([]string(nil), m.stack...))
	if err != nil {
		return err
	}
	next.UpdatedAt = m.now()
	if err := m.persist(ctx, next, stack); err != nil {
		return err
	}
	m.state = next
	m.stack = stack
	return nil
}

func (m *Manager) persist(ctx context.Context, sc *SharedContext, stack []string) error {
	if err := persistence.SaveJSON(ctx, m.docs, persistence.ShareContextKey(m.taskKey), sc); err != nil {
		return err
	}
	doc := StackDocument{TaskID: m.taskID, UpdatedAt: sc.UpdatedAt, Nodes: make([]CallNode, 0, len(stack))}
	for _, id := range stack {
		doc.Nodes = append(doc.Nodes, *sc.Nodes[id])
	}
	return persistence.SaveJSON(ctx, m.docs, persistence.StackKey(m.taskKey), doc)
}

// Activate 初始化或恢复任务的调用栈。
// 相同指令与入口 Agent 时恢复现存的调用树；否则先把旧树归档进 History，再创建新根节点。
func (m *Manager) Activate(ctx context.Context, entryAgent, input string) ([]CallNode, error) {
	spec, ok := m.lib.Get(entryAgent)
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %s not found", entryAgent)).
			WithHTTPStatus(404)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.commit(ctx, func(sc *SharedContext, stack []string) ([]string, error) {
		now := m.now()
		root := sc.Nodes[sc.RootID]

		if root != nil && !root.Status.Terminal() && root.AgentID == entryAgent && lastInstruction(sc) == input {
			leaf := sc.Nodes[stack[len(stack)-1]]
			if leaf.Status == StatusInterrupted {
				leaf.Status = StatusActive
				leaf.UpdatedAt = now
			}
			sc.Instructions = append(sc.Instructions, Instruction{Text: input, AgentID: entryAgent, StartedAt: now})
			m.logger.Info("resuming call tree", zap.String("leaf", leaf.ID), zap.Int("depth", len(stack)))
			return stack, nil
		}

		if root != nil {
			archive(sc, now)
		}

		node := &CallNode{
			ID:        m.newID(entryAgent),
			AgentID:   entryAgent,
			Level:     spec.Level,
			Status:    StatusActive,
			Input:     input,
			CreatedAt: now,
			UpdatedAt: now,
		}
		sc.Nodes = map[string]*CallNode{node.ID: node}
		sc.RootID = node.ID
		sc.Instructions = append(sc.Instructions, Instruction{Text: input, AgentID: entryAgent, StartedAt: now})
		m.logger.Info("call tree created", zap.String("root", node.ID))
		return []string{node.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	return m.stackLocked(), nil
}

func lastInstruction(sc *SharedContext) string {
	if len(sc.Instructions) == 0 {
		return ""
	}
	return sc.Instructions[len(sc.Instructions)-1].Text
}

// archive 将当前调用树移入 History。未结束的树以 completed 归档，
// 摘要由根节点最近的思考与已完成子节点的结果组成。
func archive(sc *SharedContext, now time.Time) {
	root := sc.Nodes[sc.RootID]
	run := ArchivedRun{
		Instruction: root.Input,
		RootAgent:   root.AgentID,
		Status:      root.Status,
		Summary:     root.Result,
		Nodes:       sc.Nodes,
		ArchivedAt:  now,
	}
	if !root.Status.Terminal() {
		var b strings.Builder
		b.WriteString("interrupted task archived")
		if root.LatestThinking != "" {
			b.WriteString("; latest thinking: ")
			b.WriteString(truncate(root.LatestThinking, 500))
		}
		for _, id := range root.Children {
			if c, ok := sc.Nodes[id]; ok && c.Status == StatusCompleted {
				fmt.Fprintf(&b, "; %s: %s", c.AgentID, truncate(c.Result, 200))
			}
		}
		for _, n := range sc.Nodes {
			if !n.Status.Terminal() {
				n.Status = StatusInterrupted
				n.UpdatedAt = now
			}
		}
		root.Status = StatusCompleted
		root.Result = b.String()
		root.CompletedAt = &now
		run.Status = StatusCompleted
		run.Summary = root.Result
	}
	if instr := lastInstruction(sc); instr != "" {
		run.Instruction = instr
	}
	sc.History = append(sc.History, run)
	sc.RootID = ""
}

// Delegate 由栈顶节点创建子节点并压栈；目标不在允许的子 Agent 中或会形成环时
// 返回 DelegationNotAllowedError，调用栈保持不变
func (m *Manager) Delegate(ctx context.Context, fromNodeID, toAgent, input string) (CallNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var child *CallNode
	err := m.commit(ctx, func(sc *SharedContext, stack []string) ([]string, error) {
		from, err := leafOf(sc, stack, fromNodeID)
		if err != nil {
			return nil, err
		}
		if from.Status != StatusActive {
			return nil, invalidTransition(from, "delegate")
		}
		if !m.lib.CanDelegate(from.AgentID, toAgent) {
			return nil, types.NewDelegationNotAllowedError(from.AgentID, toAgent, "not in allowed children")
		}
		for _, id := range stack {
			if sc.Nodes[id].AgentID == toAgent {
				return nil, types.NewDelegationNotAllowedError(from.AgentID, toAgent, "would create a cycle")
			}
		}
		spec, _ := m.lib.Get(toAgent)

		now := m.now()
		child = &CallNode{
			ID:        m.newID(toAgent),
			AgentID:   toAgent,
			Level:     spec.Level,
			ParentID:  from.ID,
			Status:    StatusActive,
			Input:     input,
			CreatedAt: now,
			UpdatedAt: now,
		}
		sc.Nodes[child.ID] = child
		from.Children = append(from.Children, child.ID)
		from.Status = StatusSuspendedOnChild
		from.UpdatedAt = now
		return append(stack, child.ID), nil
	})
	if err != nil {
		return CallNode{}, err
	}
	m.logger.Info("delegated",
		zap.String("from", fromNodeID),
		zap.String("to", child.ID),
		zap.Int("depth", len(m.stack)),
	)
	return *child, nil
}

// Complete 将栈顶节点标记为 completed 并出栈，父节点恢复为 active。根节点完成时返回 nil。
func (m *Manager) Complete(ctx context.Context, nodeID, result string) (*CallNode, error) {
	return m.pop(ctx, nodeID, StatusCompleted, result, "")
}

// Escalate 将栈顶节点标记为 failed 并出栈，错误交给父节点处理
func (m *Manager) Escalate(ctx context.Context, nodeID, reason string) (*CallNode, error) {
	return m.pop(ctx, nodeID, StatusFailed, "", reason)
}

func (m *Manager) pop(ctx context.Context, nodeID string, status Status, result, reason string) (*CallNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parent *CallNode
	err := m.commit(ctx, func(sc *SharedContext, stack []string) ([]string, error) {
		node, err := leafOf(sc, stack, nodeID)
		if err != nil {
			return nil, err
		}
		if !node.Status.Executing() {
			return nil, invalidTransition(node, string(status))
		}
		now := m.now()
		node.Status = status
		node.Result = result
		node.Error = reason
		node.UpdatedAt = now
		node.CompletedAt = &now

		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			p := sc.Nodes[stack[len(stack)-1]]
			p.Status = StatusActive
			p.UpdatedAt = now
			parent = p
		}
		return stack, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("node finished", zap.String("node_id", nodeID), zap.String("status", string(status)))
	if parent == nil {
		return nil, nil
	}
	p := *parent
	return &p, nil
}

// SuspendOnHIL 栈顶节点等待人工回复
func (m *Manager) SuspendOnHIL(ctx context.Context, nodeID string) error {
	return m.setLeafStatus(ctx, nodeID, StatusSuspendedOnHIL, StatusActive, StatusInterrupted, StatusSuspendedOnHIL)
}

// ResumeFromHIL 人工回复到达后恢复 active
func (m *Manager) ResumeFromHIL(ctx context.Context, nodeID string) error {
	return m.setLeafStatus(ctx, nodeID, StatusActive, StatusSuspendedOnHIL, StatusActive)
}

// Interrupt 外部停止信号：栈顶节点标记为 interrupted
func (m *Manager) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	leaf := ""
	if len(m.stack) > 0 {
		leaf = m.stack[len(m.stack)-1]
	}
	m.mu.Unlock()
	if leaf == "" {
		return nil
	}
	return m.setLeafStatus(ctx, leaf, StatusInterrupted, StatusActive, StatusSuspendedOnHIL, StatusInterrupted)
}

// Reactivate 恢复被中断的栈顶节点
func (m *Manager) Reactivate(ctx context.Context, nodeID string) error {
	return m.setLeafStatus(ctx, nodeID, StatusActive, StatusInterrupted, StatusActive)
}

func (m *Manager) setLeafStatus(ctx context.Context, nodeID string, to Status, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.state.Nodes[nodeID]
	if ok && node.Status == to {
		return nil
	}
	return m.commit(ctx, func(sc *SharedContext, stack []string) ([]string, error) {
		node, err := leafOf(sc, stack, nodeID)
		if err != nil {
			return nil, err
		}
		allowed := false
		for _, s := range from {
			if node.Status == s {
				allowed = true
			}
		}
		if !allowed {
			return nil, invalidTransition(node, string(to))
		}
		node.Status = to
		node.UpdatedAt = m.now()
		return stack, nil
	})
}

// SetThinking 记录节点最近的思考，供调用树视图与归档摘要使用
func (m *Manager) SetThinking(ctx context.Context, nodeID, thinking string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commit(ctx, func(sc *SharedContext, stack []string) ([]string, error) {
		node, ok := sc.Nodes[nodeID]
		if !ok {
			return nil, nodeNotFound(nodeID)
		}
		node.LatestThinking = thinking
		node.UpdatedAt = m.now()
		return stack, nil
	})
}

func leafOf(sc *SharedContext, stack []string, nodeID string) (*CallNode, error) {
	if len(stack) == 0 {
		return nil, types.NewError(types.ErrInvalidTransition, "call stack is empty")
	}
	if stack[len(stack)-1] != nodeID {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("node %s is not the executing leaf %s", nodeID, stack[len(stack)-1]))
	}
	return sc.Nodes[nodeID], nil
}

func invalidTransition(n *CallNode, op string) error {
	return types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("node %s cannot %s from status %s", n.ID, op, n.Status))
}

func nodeNotFound(id string) error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("node %s not found", id)).WithHTTPStatus(404)
}

// Stack 返回根到叶子的节点副本
func (m *Manager) Stack() []CallNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stackLocked()
}

func (m *Manager) stackLocked() []CallNode {
	out := make([]CallNode, 0, len(m.stack))
	for _, id := range m.stack {
		out = append(out, *m.state.Nodes[id].clone())
	}
	return out
}

// Current 返回当前执行的叶子节点
func (m *Manager) Current() (CallNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.stack) == 0 {
		return CallNode{}, false
	}
	return *m.state.Nodes[m.stack[len(m.stack)-1]].clone(), true
}

// Node 按 ID 返回节点副本
func (m *Manager) Node(id string) (CallNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.state.Nodes[id]
	if !ok {
		return CallNode{}, false
	}
	return *n.clone(), true
}

// LastChild 返回节点最近一次委派的子节点
func (m *Manager) LastChild(parentID string) (CallNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.Nodes[parentID]
	if !ok || len(p.Children) == 0 {
		return CallNode{}, false
	}
	c, ok := m.state.Nodes[p.Children[len(p.Children)-1]]
	if !ok {
		return CallNode{}, false
	}
	return *c.clone(), true
}

// Root 返回当前调用树的根节点
func (m *Manager) Root() (CallNode, bool) {
	return m.Node(m.rootID())
}

func (m *Manager) rootID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RootID
}

// SharedContext 返回共享上下文副本
func (m *Manager) SharedContext() SharedContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.state.clone()
}

// CheckInvariant 校验：除叶子外栈上节点均为 suspended_on_child，叶子处于可执行状态，
// 且栈与节点表推导的路径一致
func (m *Manager) CheckInvariant() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, id := range m.stack {
		n, ok := m.state.Nodes[id]
		if !ok {
			return fmt.Errorf("stack references missing node %s", id)
		}
		if i < len(m.stack)-1 {
			if n.Status != StatusSuspendedOnChild {
				return fmt.Errorf("ancestor %s has status %s", id, n.Status)
			}
			if next := m.state.Nodes[m.stack[i+1]]; next.ParentID != id {
				return fmt.Errorf("node %s is not a child of %s", next.ID, id)
			}
		} else if !n.Status.Executing() {
			return fmt.Errorf("leaf %s has status %s", id, n.Status)
		}
	}
	derived := deriveStack(m.state)
	if strings.Join(derived, ",") != strings.Join(m.stack, ",") {
		return fmt.Errorf("stack %v differs from call graph path %v", m.stack, derived)
	}
	return nil
}

// Scope 是交给活动节点的作用域上下文：自身、祖先的委派输入、兄弟名称、可委派子 Agent 与工具
type Scope struct {
	Node      CallNode        `json:"node"`
	Ancestors []AncestorInput `json:"ancestors"`
	Siblings  []string        `json:"siblings"`
	Children  []ChildOption   `json:"children"`
	Tools     []string        `json:"tools"`
}

// AncestorInput 祖先节点的委派输入（不含其历史）
type AncestorInput struct {
	AgentID string `json:"agent_id"`
	Level   int    `json:"level"`
	Input   string `json:"input"`
}

// ChildOption 可委派的子 Agent
type ChildOption struct {
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
}

// Scope 计算节点的作用域上下文
func (m *Manager) Scope(nodeID string) (Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.state.Nodes[nodeID]
	if !ok {
		return Scope{}, nodeNotFound(nodeID)
	}
	sc := Scope{Node: *node.clone()}

	var chain []AncestorInput
	for pid := node.ParentID; pid != ""; {
		p, ok := m.state.Nodes[pid]
		if !ok {
			break
		}
		chain = append(chain, AncestorInput{AgentID: p.AgentID, Level: p.Level, Input: p.Input})
		pid = p.ParentID
	}
	for i := len(chain) - 1; i >= 0; i-- {
		sc.Ancestors = append(sc.Ancestors, chain[i])
	}

	if p, ok := m.state.Nodes[node.ParentID]; ok {
		seen := map[string]bool{node.AgentID: true}
		for _, cid := range p.Children {
			c, ok := m.state.Nodes[cid]
			if !ok || seen[c.AgentID] {
				continue
			}
			seen[c.AgentID] = true
			sc.Siblings = append(sc.Siblings, c.AgentID)
		}
		sort.Strings(sc.Siblings)
	}

	if spec, ok := m.lib.Get(node.AgentID); ok {
		for _, child := range spec.Children {
			cs, _ := m.lib.Get(child)
			sc.Children = append(sc.Children, ChildOption{Name: child, Level: cs.Level, Description: cs.Description})
		}
		sc.Tools = append([]string(nil), spec.Tools...)
	}
	return sc, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
