package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/events"
	"github.com/BaSui01/agenttree/types"
)

const (
	defaultHeartbeat   = 15 * time.Second
	defaultWriteWait   = 5 * time.Second
	subscriberBuffer   = 128
	wsCloseOnTerminate = "run finished"
)

// EventSource 按任务订阅事件
type EventSource interface {
	Subscribe(task string, buffer int, replay bool) (<-chan events.Event, func())
	Backlog(task string) []events.Event
}

// EventHandler 把任务事件推送给前端
type EventHandler struct {
	source    EventSource
	origins   []string
	heartbeat time.Duration
	done      <-chan struct{}
	logger    *zap.Logger
}

// EventHandlerOptions 事件处理器选项
type EventHandlerOptions struct {
	// AllowedOrigins WebSocket 允许的跨域来源模式，空则只允许同源
	AllowedOrigins []string
	// Heartbeat SSE 注释心跳间隔
	Heartbeat time.Duration
	// Done 关闭时断开所有事件流，用于服务关闭
	Done <-chan struct{}
}

// NewEventHandler 创建事件处理器
func NewEventHandler(source EventSource, opts EventHandlerOptions, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &EventHandler{
		source:    source,
		origins:   opts.AllowedOrigins,
		heartbeat: opts.Heartbeat,
		done:      opts.Done,
		logger:    logger.With(zap.String("handler", "events")),
	}
}

// subscribe 正在运行时回放本次运行已发出的事件；上一次运行已结束则只等待下一次
func (h *EventHandler) subscribe(taskID string) (<-chan events.Event, func()) {
	replay := true
	if b := h.source.Backlog(taskID); len(b) > 0 && b[len(b)-1].Type.Terminal() {
		replay = false
	}
	return h.source.Subscribe(taskID, subscriberBuffer, replay)
}

// HandleSSE 处理 GET /api/tasks/events?task_id=
// @Summary 事件流（SSE）
// @Description 推送 start/token/progress/result/end/error 事件，收到 end 或 error 后结束
// @Tags 任务
// @Produce text/event-stream
// @Param task_id query string true "任务身份"
// @Router /api/tasks/events [get]
func (h *EventHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireQuery(w, r, "task_id", h.logger)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cancel := h.subscribe(taskID)
	defer cancel()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse client gone", zap.String("task_id", taskID))
			return
		case <-h.done:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-stream:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("failed to encode event", zap.Error(err))
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, data); err != nil {
				return
			}
			flusher.Flush()
			if e.Type.Terminal() {
				return
			}
		}
	}
}

// HandleWebSocket 处理 GET /api/tasks/ws?task_id=
// @Summary 事件流（WebSocket）
// @Description 每条文本消息是一个 JSON 事件，运行结束后以 1000 关闭
// @Tags 任务
// @Param task_id query string true "任务身份"
// @Router /api/tasks/ws [get]
func (h *EventHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireQuery(w, r, "task_id", h.logger)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只推送不接收，读端只用于感知客户端关闭
	ctx := conn.CloseRead(r.Context())

	stream, cancel := h.subscribe(taskID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("websocket client gone", zap.String("task_id", taskID))
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case e, open := <-stream:
			if !open {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := h.writeEvent(ctx, conn, e); err != nil {
				h.logger.Debug("websocket write failed", zap.String("task_id", taskID), zap.Error(err))
				return
			}
			if e.Type.Terminal() {
				conn.Close(websocket.StatusNormalClosure, wsCloseOnTerminate)
				return
			}
		}
	}
}

func (h *EventHandler) writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteWait)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
