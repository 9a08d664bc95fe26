// Package reasoning 定义与外部推理引擎的窄接口：输入为节点的作用域上下文，
// 输出为一个结构化决策（工具调用、委派、思考或最终答案）。
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/agenttree/actionlog"
	"github.com/BaSui01/agenttree/hierarchy"
)

// DecisionKind 决策类型
type DecisionKind string

const (
	DecisionToolCall    DecisionKind = "tool_call"
	DecisionDelegate    DecisionKind = "delegate"
	DecisionThought     DecisionKind = "thought"
	DecisionFinalAnswer DecisionKind = "final_answer"
)

// Decision 推理引擎返回的结构化结果，按 Kind 使用对应字段
type Decision struct {
	Kind DecisionKind `json:"kind"`

	// tool_call
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	CallID string         `json:"call_id,omitempty"`

	// delegate
	Agent string `json:"agent,omitempty"`
	Input string `json:"input,omitempty"`

	// thought
	Thought string `json:"thought,omitempty"`

	// final_answer
	Answer string `json:"answer,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// Validate 检查决策是否可执行。返回错误的决策按空闲决策处理。
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionToolCall:
		if strings.TrimSpace(d.Tool) == "" {
			return fmt.Errorf("tool_call without tool name")
		}
	case DecisionDelegate:
		if strings.TrimSpace(d.Agent) == "" {
			return fmt.Errorf("delegate without target agent")
		}
	case DecisionThought:
		if strings.TrimSpace(d.Thought) == "" {
			return fmt.Errorf("empty thought")
		}
	case DecisionFinalAnswer:
	case "":
		return fmt.Errorf("no decision")
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
	return nil
}

// Request 交给推理引擎的作用域上下文：最新快照、未压缩尾部与层级作用域
type Request struct {
	TaskID   string              `json:"task_id"`
	NodeID   string              `json:"node_id"`
	Model    string              `json:"model,omitempty"`
	Scope    hierarchy.Scope     `json:"scope"`
	Snapshot *actionlog.Snapshot `json:"snapshot,omitempty"`
	Tail     []actionlog.Entry   `json:"tail"`
	Turn     int                 `json:"turn"`
	Reminder string              `json:"reminder,omitempty"`
}

// Usage token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response 推理结果
type Response struct {
	Decision Decision `json:"decision"`
	Usage    Usage    `json:"usage"`
}

// Reasoner 外部推理引擎。实现必须遵守 ctx 的取消与超时。
type Reasoner interface {
	Decide(ctx context.Context, req Request) (Response, error)
}

// ReasonerFunc 函数适配器
type ReasonerFunc func(ctx context.Context, req Request) (Response, error)

// Decide 实现 Reasoner
func (f ReasonerFunc) Decide(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
