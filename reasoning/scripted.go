package reasoning

import (
	"context"
	"sync"
)

// Scripted 按 Agent 名依次返回预设决策，用于 CLI 演示与测试。
// 队列耗尽后返回 Fallback；Fallback 为空时返回最终答案 "done"。
type Scripted struct {
	mu       sync.Mutex
	queues   map[string][]Decision
	requests []Request

	Fallback *Decision
	// DecideFn 非空时优先调用，返回 ok=false 表示回落到脚本
	DecideFn func(ctx context.Context, req Request) (Response, bool, error)
}

// NewScripted 创建脚本推理器
func NewScripted(script map[string][]Decision) *Scripted {
	q := make(map[string][]Decision, len(script))
	for agent, ds := range script {
		q[agent] = append([]Decision(nil), ds...)
	}
	return &Scripted{queues: q}
}

// Push 向 Agent 的队列追加决策
func (s *Scripted) Push(agent string, ds ...Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[agent] = append(s.queues[agent], ds...)
}

// Decide 实现 Reasoner
func (s *Scripted) Decide(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.DecideFn != nil {
		resp, ok, err := s.DecideFn(ctx, req)
		if err != nil || ok {
			return resp, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	agent := req.Scope.Node.AgentID
	if q := s.queues[agent]; len(q) > 0 {
		s.queues[agent] = q[1:]
		return Response{Decision: q[0]}, nil
	}
	if s.Fallback != nil {
		return Response{Decision: *s.Fallback}, nil
	}
	return Response{Decision: Decision{Kind: DecisionFinalAnswer, Answer: "done"}}, nil
}

// Requests 返回收到的请求副本
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Remaining 返回 Agent 队列中剩余的决策数
func (s *Scripted) Remaining(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[agent])
}
