// Package hitl 提供持久化的 Human-in-the-Loop 任务队列：每个任务同一时刻最多一个待处理请求，
// 执行器阻塞等待，外部调用方（Web UI、CLI）通过 Respond 写入回复。
package hitl

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

	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

// Status HIL 任务状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	// StatusExpired 等待方放弃，之后不再接受回复
	StatusExpired Status = "expired"
)

// Task 一次人工介入请求，存储在 hil_{id}
type Task struct {
	ID          string     `json:"hil_id"`
	TaskID      string     `json:"task_id"`
	NodeID      string     `json:"node_id,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	Instruction string     `json:"instruction"`
	Status      Status     `json:"status"`
	Response    *string    `json:"response"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
}

// pointer 存储在 {task}_hil，指向该任务当前的待处理请求
type pointer struct {
	HILID  string `json:"hil_id"`
	TaskID string `json:"task_id"`
}

// RequestOptions 描述请求来源
type RequestOptions struct {
	TaskID      string
	NodeID      string
	AgentID     string
	Instruction string
}

// Queue 是 HIL 邮箱。持久化状态是唯一事实来源，本地通知只用于加速唤醒。
type Queue struct {
	docs         persistence.DocumentStore
	pollInterval time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}
	now     func() time.Time
}

// NewQueue 创建队列
func NewQueue(docs persistence.DocumentStore, pollInterval time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Queue{
		docs:         docs,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("component", "hil_queue")),
		waiters:      make(map[string]chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func notFound(hilID string) error {
	return types.NewError(types.ErrHILNotFound, fmt.Sprintf("hil task %s not found", hilID)).
		WithHTTPStatus(404)
}

// Request 为任务创建待处理请求；已有待处理请求时返回 HILAlreadyPendingError
func (q *Queue) Request(ctx context.Context, opts RequestOptions) (*Task, error) {
	if strings.TrimSpace(opts.TaskID) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task_id is required").WithHTTPStatus(400)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, err := q.pendingLocked(ctx, opts.TaskID); err == nil {
		return nil, types.NewHILAlreadyPendingError(opts.TaskID, existing.ID)
	} else if !types.IsCode(err, types.ErrHILNotFound) {
		return nil, err
	}

	task := &Task{
		ID:          uuid.NewString(),
		TaskID:      opts.TaskID,
		NodeID:      opts.NodeID,
		AgentID:     opts.AgentID,
		Instruction: opts.Instruction,
		Status:      StatusPending,
		CreatedAt:   q.now(),
	}
	if err := persistence.SaveJSON(ctx, q.docs, persistence.HILKey(task.ID), task); err != nil {
		return nil, err
	}
	ptr := pointer{HILID: task.ID, TaskID: opts.TaskID}
	if err := persistence.SaveJSON(ctx, q.docs, persistence.HILPointerKey(persistence.TaskKey(opts.TaskID)), ptr); err != nil {
		return nil, err
	}

	q.logger.Info("hil requested",
		zap.String("hil_id", task.ID),
		zap.String("task_id", task.TaskID),
		zap.String("agent_id", task.AgentID),
	)
	return task, nil
}

// Respond 记录回复，只能成功一次
func (q *Queue) Respond(ctx context.Context, hilID, response string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.Get(ctx, hilID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case StatusResponded:
		return nil, types.NewHILAlreadyRespondedError(hilID)
	case StatusExpired:
		return nil, types.NewHILExpiredError(hilID)
	}

	now := q.now()
	task.Status = StatusResponded
	task.Response = &response
	task.RespondedAt = &now
	if err := q.retireLocked(ctx, task); err != nil {
		return nil, err
	}

	q.logger.Info("hil responded", zap.String("hil_id", hilID), zap.String("task_id", task.TaskID))
	return task, nil
}

// Expire 把仍在等待的请求标记为 expired 并释放任务的待处理槽位。
// 已回复的请求返回 HILAlreadyRespondedError，调用方应改用该回复；重复 Expire 是幂等的。
func (q *Queue) Expire(ctx context.Context, hilID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.Get(ctx, hilID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case StatusResponded:
		return nil, types.NewHILAlreadyRespondedError(hilID)
	case StatusExpired:
		return task, nil
	}

	now := q.now()
	task.Status = StatusExpired
	task.ExpiredAt = &now
	if err := q.retireLocked(ctx, task); err != nil {
		return nil, err
	}

	q.logger.Info("hil expired", zap.String("hil_id", hilID), zap.String("task_id", task.TaskID))
	return task, nil
}

// retireLocked 持久化终态、清除任务指针并唤醒本地等待者
func (q *Queue) retireLocked(ctx context.Context, task *Task) error {
	if err := persistence.SaveJSON(ctx, q.docs, persistence.HILKey(task.ID), task); err != nil {
		return err
	}

	ptrKey := persistence.HILPointerKey(persistence.TaskKey(task.TaskID))
	var ptr pointer
	if err := persistence.LoadJSON(ctx, q.docs, ptrKey, &ptr); err == nil && ptr.HILID == task.ID {
		if err := q.docs.Delete(ctx, ptrKey); err != nil {
			q.logger.Warn("failed to clear hil pointer", zap.String("hil_id", task.ID), zap.Error(err))
		}
	}

	if ch, ok := q.waiters[task.ID]; ok {
		close(ch)
		delete(q.waiters, task.ID)
	}
	return nil
}

// Get 读取 HIL 任务
func (q *Queue) Get(ctx context.Context, hilID string) (*Task, error) {
	if hilID == "" || strings.ContainsAny(hilID, `/\`) {
		return nil, notFound(hilID)
	}
	var task Task
	if err := persistence.LoadJSON(ctx, q.docs, persistence.HILKey(hilID), &task); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, notFound(hilID)
		}
		return nil, err
	}
	return &task, nil
}

// Pending 返回任务当前的待处理请求，没有时返回 HIL_NOT_FOUND
func (q *Queue) Pending(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked(ctx, taskID)
}

func (q *Queue) pendingLocked(ctx context.Context, taskID string) (*Task, error) {
	var ptr pointer
	err := persistence.LoadJSON(ctx, q.docs, persistence.HILPointerKey(persistence.TaskKey(taskID)), &ptr)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("for task " + taskID)
	}
	if err != nil {
		return nil, err
	}
	task, err := q.Get(ctx, ptr.HILID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusPending {
		return nil, notFound("for task " + taskID)
	}
	return task, nil
}

// List 返回所有 HIL 任务（可按状态过滤），按创建时间排序
func (q *Queue) List(ctx context.Context, status Status) ([]*Task, error) {
	keys, err := q.docs.List(ctx, persistence.HILKey(""))
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(keys))
	for _, k := range keys {
		var task Task
		if err := persistence.LoadJSON(ctx, q.docs, k, &task); err != nil {
			continue
		}
		if status == "" || task.Status == status {
			out = append(out, &task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Wait 阻塞直到 hilID 被回复或 ctx 结束。进程内回复立即唤醒，
// 其他进程写入的回复通过轮询持久化状态发现。请求已过期时返回 HILExpiredError。
func (q *Queue) Wait(ctx context.Context, hilID string) (*Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	defer q.forget(hilID)

	for {
		// 先注册再读取，避免错过两者之间的本地回复
		ch := q.waiter(hilID)
		task, err := q.Get(ctx, hilID)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case StatusResponded:
			return task, nil
		case StatusExpired:
			return nil, types.NewHILExpiredError(hilID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

func (q *Queue) waiter(hilID string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.waiters[hilID]
	if !ok {
		ch = make(chan struct{})
		q.waiters[hilID] = ch
	}
	return ch
}

func (q *Queue) forget(hilID string) {
	q.mu.Lock()
	delete(q.waiters, hilID)
	q.mu.Unlock()
}
