package events

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultBacklog = 256

// Hub 按任务身份把事件分发给订阅者（SSE、WebSocket）。
// 发布不阻塞：订阅者缓冲满时丢弃事件。每个任务保留最近的事件用于新订阅者回放。
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]chan Event
	backlog map[string][]Event
	limit   int
	nextID  atomic.Uint64
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewHub 创建事件 Hub，backlog 为每个任务保留的回放条数
func NewHub(backlog int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		subs:    make(map[string]map[uint64]chan Event),
		backlog: make(map[string][]Event),
		limit:   backlog,
		logger:  logger.With(zap.String("component", "event_hub")),
	}
}

// Emit 实现 Sink
func (h *Hub) Emit(e Event) {
	h.mu.Lock()
	if e.Type == TypeStart {
		h.backlog[e.Task] = nil
	}
	b := append(h.backlog[e.Task], e)
	if len(b) > h.limit {
		b = b[len(b)-h.limit:]
	}
	h.backlog[e.Task] = b

	for id, ch := range h.subs[e.Task] {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber buffer full, event dropped",
				zap.String("task", e.Task), zap.Uint64("subscriber", id), zap.String("type", string(e.Type)))
		}
	}
	h.mu.Unlock()
}

// Subscribe 订阅任务事件。replay 为 true 时先收到当前运行已发出的事件。
// 返回的 cancel 必须调用以释放订阅。
func (h *Hub) Subscribe(task string, buffer int, replay bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var past []Event
	if replay {
		past = h.backlog[task]
	}
	if buffer < len(past) {
		buffer = len(past) + 16
	}
	ch := make(chan Event, buffer)
	for _, e := range past {
		ch <- e
	}

	id := h.nextID.Add(1)
	if h.subs[task] == nil {
		h.subs[task] = make(map[uint64]chan Event)
	}
	h.subs[task][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[task], id)
			if len(h.subs[task]) == 0 {
				delete(h.subs, task)
			}
			close(ch)
		})
	}
}

// Backlog 返回任务最近的事件
func (h *Hub) Backlog(task string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.backlog[task]...)
}

// Subscribers 返回任务的订阅者数量
func (h *Hub) Subscribers(task string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[task])
}

// Dropped 返回因缓冲满丢弃的事件总数
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// JSONLWriter 将事件逐行写为 JSON，供 CLI 输出
type JSONLWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLWriter 创建 JSONL 输出
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: json.NewEncoder(w)}
}

// Emit 实现 Sink，写失败时静默丢弃
func (w *JSONLWriter) Emit(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(e)
}
