package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

// Decision 人工确认结果
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ConfirmStatus 确认请求状态
type ConfirmStatus string

const (
	ConfirmPending  ConfirmStatus = "pending"
	ConfirmApproved ConfirmStatus = "approved"
	ConfirmDenied   ConfirmStatus = "denied"
	ConfirmTimedOut ConfirmStatus = "timeout"
)

// Confirmation 存储在 confirm_{id}
type Confirmation struct {
	ID        string         `json:"confirm_id"`
	TaskID    string         `json:"task_id"`
	NodeID    string         `json:"node_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params,omitempty"`
	Status    ConfirmStatus  `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Deadline  time.Time      `json:"deadline"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// ConfirmationManager 管理待确认的工具调用。截止时间持久化，
// 进程重启后继续等待同一 confirm_id 的剩余时间。
type ConfirmationManager struct {
	docs         persistence.DocumentStore
	timeout      time.Duration
	pollInterval time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}
	now     func() time.Time
}

// NewConfirmationManager 创建确认管理器
func NewConfirmationManager(docs persistence.DocumentStore, timeout, pollInterval time.Duration, logger *zap.Logger) *ConfirmationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ConfirmationManager{
		docs:         docs,
		timeout:      timeout,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("component", "confirmation")),
		waiters:      make(map[string]chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Request 创建待确认请求
func (m *ConfirmationManager) Request(ctx context.Context, call Call) (*Confirmation, error) {
	now := m.now()
	c := &Confirmation{
		ID:        uuid.NewString(),
		TaskID:    call.TaskID,
		NodeID:    call.NodeID,
		AgentID:   call.AgentID,
		ToolName:  call.Tool,
		Params:    call.Params,
		Status:    ConfirmPending,
		CreatedAt: now,
		Deadline:  now.Add(m.timeout),
	}
	if err := persistence.SaveJSON(ctx, m.docs, persistence.ConfirmKey(c.ID), c); err != nil {
		return nil, err
	}
	m.logger.Info("confirmation requested",
		zap.String("confirm_id", c.ID),
		zap.String("task_id", c.TaskID),
		zap.String("tool", c.ToolName),
	)
	return c, nil
}

// Get 读取确认请求
func (m *ConfirmationManager) Get(ctx context.Context, confirmID string) (*Confirmation, error) {
	var c Confirmation
	if err := persistence.LoadJSON(ctx, m.docs, persistence.ConfirmKey(confirmID), &c); err != nil {
		if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrInvalidKey) {
			return nil, types.NewError(types.ErrConfirmationNotFound,
				fmt.Sprintf("confirmation %s not found", confirmID)).WithHTTPStatus(404)
		}
		return nil, err
	}
	return &c, nil
}

// Decide 记录人工决定，只对 pending 状态有效。截止时间之后的决定一律拒绝，
// 请求同时落为超时，避免迟到的批准让已超时的调用继续执行。
func (m *ConfirmationManager) Decide(ctx context.Context, confirmID string, decision Decision) (*Confirmation, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("decision must be %q or %q", DecisionApprove, DecisionDeny)).WithHTTPStatus(400)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.Get(ctx, confirmID)
	if err != nil {
		return nil, err
	}
	if c.Status != ConfirmPending {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("confirmation %s already %s", confirmID, c.Status)).WithHTTPStatus(409)
	}

	now := m.now()
	c.DecidedAt = &now
	if now.After(c.Deadline) {
		c.Status = ConfirmTimedOut
		if err := m.saveLocked(ctx, c); err != nil {
			return nil, err
		}
		m.logger.Warn("late decision rejected", zap.String("confirm_id", confirmID), zap.String("decision", string(decision)))
		return nil, types.NewConfirmationTimeoutError(confirmID).WithHTTPStatus(409)
	}
	c.Status = ConfirmDenied
	if decision == DecisionApprove {
		c.Status = ConfirmApproved
	}
	if err := m.saveLocked(ctx, c); err != nil {
		return nil, err
	}

	m.logger.Info("confirmation decided", zap.String("confirm_id", confirmID), zap.String("status", string(c.Status)))
	return c, nil
}

// saveLocked 持久化并唤醒本地等待者
func (m *ConfirmationManager) saveLocked(ctx context.Context, c *Confirmation) error {
	if err := persistence.SaveJSON(ctx, m.docs, persistence.ConfirmKey(c.ID), c); err != nil {
		return err
	}
	if ch, ok := m.waiters[c.ID]; ok {
		close(ch)
		delete(m.waiters, c.ID)
	}
	return nil
}

// Await 阻塞直到确认被决定或截止时间到达。
// 超时按拒绝处理并返回 ConfirmationTimeoutError，拒绝返回 ConfirmationDeniedError。
func (m *ConfirmationManager) Await(ctx context.Context, confirmID string) error {
	defer m.forget(confirmID)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		ch := m.waiter(confirmID)
		c, err := m.Get(ctx, confirmID)
		if err != nil {
			return err
		}
		switch c.Status {
		case ConfirmApproved:
			return nil
		case ConfirmDenied:
			return types.NewConfirmationDeniedError(confirmID)
		case ConfirmTimedOut:
			return types.NewConfirmationTimeoutError(confirmID)
		}

		remaining := c.Deadline.Sub(m.now())
		if remaining <= 0 {
			return m.expire(ctx, confirmID)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
		case <-ticker.C:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// expire 将仍处于 pending 的请求标记为超时
func (m *ConfirmationManager) expire(ctx context.Context, confirmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.Get(ctx, confirmID)
	if err != nil {
		return err
	}
	switch c.Status {
	case ConfirmApproved:
		return nil
	case ConfirmDenied:
		return types.NewConfirmationDeniedError(confirmID)
	}
	now := m.now()
	c.Status = ConfirmTimedOut
	c.DecidedAt = &now
	if err := persistence.SaveJSON(ctx, m.docs, persistence.ConfirmKey(confirmID), c); err != nil {
		return err
	}
	m.logger.Warn("confirmation timed out", zap.String("confirm_id", confirmID), zap.String("tool", c.ToolName))
	return types.NewConfirmationTimeoutError(confirmID)
}

// List 返回待确认请求；taskID 为空时返回全部
func (m *ConfirmationManager) List(ctx context.Context, taskID string) ([]*Confirmation, error) {
	keys, err := m.docs.List(ctx, persistence.ConfirmPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Confirmation, 0)
	for _, k := range keys {
		var c Confirmation
		if err := persistence.LoadJSON(ctx, m.docs, k, &c); err != nil {
			continue
		}
		if c.Status != ConfirmPending {
			continue
		}
		if taskID != "" && c.TaskID != taskID {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *ConfirmationManager) waiter(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.waiters[id]
	if !ok {
		ch = make(chan struct{})
		m.waiters[id] = ch
	}
	return ch
}

func (m *ConfirmationManager) forget(id string) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()
}
