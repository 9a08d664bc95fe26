package events

import (
	"sync"
	"time"
)

// RunEmitter 一次运行的事件出口：恰好一个 start 开启，一个 end 或 error 关闭，
// start 之前与关闭之后的事件被丢弃
type RunEmitter struct {
	sink Sink
	task string
	now  func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	begin   time.Time
}

// NewRunEmitter 创建运行事件出口
func NewRunEmitter(sink Sink, task string) *RunEmitter {
	if sink == nil {
		sink = Discard
	}
	return &RunEmitter{sink: sink, task: task, now: time.Now}
}

// Task 返回任务身份
func (r *RunEmitter) Task() string { return r.task }

func (r *RunEmitter) emit(e Event) bool {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return false
	case e.Type == TypeStart:
		if r.started {
			r.mu.Unlock()
			return false
		}
		r.started = true
		r.begin = r.now()
	case !r.started:
		r.mu.Unlock()
		return false
	}
	if e.Type.Terminal() {
		r.closed = true
	}
	e.Task = r.task
	e.Time = r.now().UTC()
	r.mu.Unlock()

	r.sink.Emit(e)
	return true
}

// Start 开始事件，只生效一次
func (r *RunEmitter) Start(agent string) bool {
	return r.emit(Event{Type: TypeStart, Agent: agent})
}

// Token 部分推理或工具输出
func (r *RunEmitter) Token(agent, node, text string) {
	r.emit(Event{Type: TypeToken, Agent: agent, Node: node, Text: text})
}

// Progress 阶段进度
func (r *RunEmitter) Progress(agent, node, phase string, pct float64) {
	r.emit(Event{Type: TypeProgress, Agent: agent, Node: node, Phase: phase, Pct: pct})
}

// Result 节点结果
func (r *RunEmitter) Result(agent, node string, ok bool, summary string) {
	r.emit(Event{Type: TypeResult, Agent: agent, Node: node, OK: &ok, Summary: summary})
}

// End 正常结束，status 为根节点的最终状态
func (r *RunEmitter) End(status string) {
	r.emit(Event{Type: TypeEnd, Status: status, Duration: r.Elapsed()})
}

// Error 以错误结束
func (r *RunEmitter) Error(message string) {
	r.emit(Event{Type: TypeError, Message: message})
}

// Elapsed 自 start 起的时长
func (r *RunEmitter) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return 0
	}
	return r.now().Sub(r.begin)
}

// Closed 是否已发出 end 或 error
func (r *RunEmitter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
