// Package gateway 负责工具调用的权限仲裁（自动 / 人工确认 / HIL）、超时控制以及结果归一化。
// 工具副作用完全由具体 Tool 实现承担。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/types"
)

// Call 是一次工具调用的输入
type Call struct {
	TaskID  string         `json:"task_id"`
	NodeID  string         `json:"node_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Tool    string         `json:"tool_name"`
	Params  map[string]any `json:"params"`
}

// Tool 是具名、带参数、有副作用的外部操作
type Tool interface {
	Name() string
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

// Func 将函数适配为 Tool
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, call Call) (json.RawMessage, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	return f.Fn(ctx, call)
}

type registration struct {
	tool    Tool
	timeout time.Duration
}

// Registry 工具名到实现的显式映射，在配置加载时构建
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registration
	logger *zap.Logger
}

// DefaultToolTimeout 未指定超时时的默认值
const DefaultToolTimeout = 5 * time.Minute

// NewRegistry 创建空注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]registration),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register 注册工具；timeout <= 0 时使用 DefaultToolTimeout
func (r *Registry) Register(tool Tool, timeout time.Duration) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registration{tool: tool, timeout: timeout}
	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", timeout))
	return nil
}

// Get 返回工具及其超时
func (r *Registry) Get(name string) (Tool, time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, 0, types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s not found", name))
	}
	return reg.tool, reg.timeout, nil
}

// Has 判断工具是否存在
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names 返回已注册工具名（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
