package hierarchy

const treeTextLimit = 500

// TreeNode 供前端展示的结构化调用信息
type TreeNode struct {
	NodeID    string     `json:"node_id"`
	AgentID   string     `json:"agent_id"`
	Level     int        `json:"level"`
	Status    Status     `json:"status"`
	Input     string     `json:"input,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	IsCurrent bool       `json:"is_current"`
	Children  []TreeNode `json:"children,omitempty"`
}

// Tree 渲染当前调用树。这是给前端的全局视图，不会交给 Agent。
func (m *Manager) Tree() (TreeNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, ok := m.state.Nodes[m.state.RootID]
	if !ok {
		return TreeNode{}, false
	}
	current := ""
	if len(m.stack) > 0 {
		current = m.stack[len(m.stack)-1]
	}
	return m.render(root, current), true
}

func (m *Manager) render(n *CallNode, current string) TreeNode {
	t := TreeNode{
		NodeID:    n.ID,
		AgentID:   n.AgentID,
		Level:     n.Level,
		Status:    n.Status,
		Input:     truncate(n.Input, treeTextLimit),
		Thinking:  truncate(n.LatestThinking, treeTextLimit),
		Result:    truncate(n.Result, treeTextLimit),
		Error:     truncate(n.Error, treeTextLimit),
		IsCurrent: n.ID == current,
	}
	for _, cid := range n.Children {
		if c, ok := m.state.Nodes[cid]; ok {
			t.Children = append(t.Children, m.render(c, current))
		}
	}
	return t
}
