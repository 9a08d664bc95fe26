package hierarchy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/config"
	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

// Run 是一个任务身份上的一次编排运行，持有单写者锁
type Run struct {
	TaskID    string
	Owner     string
	Manager   *Manager
	StartedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	lost    atomic.Bool
	done    chan struct{}
}

// Context 在 Stop、锁丢失或 Close 时被取消，用于阻塞的外部调用
func (r *Run) Context() context.Context { return r.ctx }

// Stop 设置停止标志，执行器在步骤之间检查
func (r *Run) Stop() {
	r.stopped.Store(true)
	r.cancel()
}

// Stopped 是否收到停止信号
func (r *Run) Stopped() bool { return r.stopped.Load() }

// LockLost 心跳续约失败，另一个运行可能已接管
func (r *Run) LockLost() bool { return r.lost.Load() }

// Registry 显式维护任务身份到运行实例的映射，首次使用时构建，结束时拆除
type Registry struct {
	docs   persistence.DocumentStore
	locker persistence.Locker
	lib    *config.AgentLibrary
	ttl    time.Duration
	base   *zap.Logger
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewRegistry 创建运行注册表
func NewRegistry(docs persistence.DocumentStore, locker persistence.Locker, lib *config.AgentLibrary, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		docs:   docs,
		locker: locker,
		lib:    lib,
		ttl:    ttl,
		base:   logger,
		logger: logger.With(zap.String("component", "run_registry")),
		runs:   make(map[string]*Run),
	}
}

// Open 获取任务的单写者锁并加载调用图；已被持有时快速失败返回 TaskLockedError
func (r *Registry) Open(ctx context.Context, taskID string) (*Run, error) {
	r.mu.Lock()
	if _, busy := r.runs[taskID]; busy {
		r.mu.Unlock()
		return nil, types.NewTaskLockedError(taskID)
	}
	// 占位，防止同进程并发 Open
	r.runs[taskID] = nil
	r.mu.Unlock()

	run, err := r.open(ctx, taskID)
	r.mu.Lock()
	if err != nil {
		delete(r.runs, taskID)
	} else {
		r.runs[taskID] = run
	}
	r.mu.Unlock()
	return run, err
}

func (r *Registry) open(ctx context.Context, taskID string) (*Run, error) {
	owner := uuid.NewString()
	lockKey := persistence.LockKey(persistence.TaskKey(taskID))
	if err := r.locker.Acquire(ctx, lockKey, owner, r.ttl); err != nil {
		if errors.Is(err, persistence.ErrLocked) {
			return nil, types.NewTaskLockedError(taskID)
		}
		return nil, types.NewPersistenceError("acquire "+lockKey, err)
	}

	mgr := NewManager(taskID, r.lib, r.docs, r.base)
	if err := mgr.Load(ctx); err != nil {
		_ = r.locker.Release(context.Background(), lockKey, owner)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		TaskID:    taskID,
		Owner:     owner,
		Manager:   mgr,
		StartedAt: time.Now().UTC(),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.heartbeat(run, lockKey)

	r.logger.Info("run opened", zap.String("task_id", taskID), zap.String("owner", owner))
	return run, nil
}

// heartbeat 以 ttl/3 的间隔续约；续约失败视为锁丢失并取消运行
func (r *Registry) heartbeat(run *Run, lockKey string) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-run.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			err := r.locker.Refresh(ctx, lockKey, run.Owner, r.ttl)
			cancel()
			if err != nil {
				r.logger.Error("task lock lost", zap.String("task_id", run.TaskID), zap.Error(err))
				run.lost.Store(true)
				run.Stop()
				return
			}
		}
	}
}

// Close 停止心跳、释放锁并注销运行
func (r *Registry) Close(ctx context.Context, run *Run) error {
	select {
	case <-run.done:
		return nil
	default:
	}
	close(run.done)
	run.cancel()

	r.mu.Lock()
	if r.runs[run.TaskID] == run {
		delete(r.runs, run.TaskID)
	}
	r.mu.Unlock()

	lockKey := persistence.LockKey(persistence.TaskKey(run.TaskID))
	if err := r.locker.Release(ctx, lockKey, run.Owner); err != nil {
		r.logger.Warn("failed to release task lock", zap.String("task_id", run.TaskID), zap.Error(err))
		return types.NewPersistenceError("release "+lockKey, err)
	}
	r.logger.Info("run closed", zap.String("task_id", run.TaskID))
	return nil
}

// Get 返回进程内正在进行的运行
func (r *Registry) Get(taskID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[taskID]
	return run, ok && run != nil
}

// Stop 向进行中的运行发送停止信号
func (r *Registry) Stop(taskID string) bool {
	run, ok := r.Get(taskID)
	if !ok {
		return false
	}
	run.Stop()
	r.logger.Info("stop requested", zap.String("task_id", taskID))
	return true
}

// Active 返回进行中的任务身份
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id, run := range r.runs {
		if run != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Inspect 不加锁地读取任务的调用图，用于状态查询
func (r *Registry) Inspect(ctx context.Context, taskID string) (*Manager, error) {
	if run, ok := r.Get(taskID); ok {
		return run.Manager, nil
	}
	mgr := NewManager(taskID, r.lib, r.docs, r.base)
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}
