// Package events 定义运行中任务对外发出的流式事件，以及按任务分发的 Hub、
// JSONL 输出和保证 start/end 约定的 RunEmitter。
package events

import (
	"encoding/json"
	"time"
)

// Type 事件类型
type Type string

const (
	TypeStart    Type = "start"
	TypeToken    Type = "token"
	TypeProgress Type = "progress"
	TypeResult   Type = "result"
	TypeEnd      Type = "end"
	TypeError    Type = "error"
)

// Terminal 是否为结束事件
func (t Type) Terminal() bool { return t == TypeEnd || t == TypeError }

// Event 流式事件，按 Type 使用对应字段
type Event struct {
	Type     Type          `json:"type"`
	Task     string        `json:"task"`
	Agent    string        `json:"agent,omitempty"`
	Node     string        `json:"node,omitempty"`
	Text     string        `json:"text,omitempty"`
	Phase    string        `json:"phase,omitempty"`
	Pct      float64       `json:"pct,omitempty"`
	OK       *bool         `json:"ok,omitempty"`
	Summary  string        `json:"summary,omitempty"`
	Status   string        `json:"status,omitempty"`
	Duration time.Duration `json:"-"`
	Message  string        `json:"message,omitempty"`
	Time     time.Time     `json:"time"`
}

type wireEvent Event

// MarshalJSON 时长以毫秒输出
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		wireEvent
		DurationMS int64 `json:"duration_ms,omitempty"`
	}{wireEvent: wireEvent(e), DurationMS: e.Duration.Milliseconds()}
	return json.Marshal(out)
}

// UnmarshalJSON 读取毫秒时长
func (e *Event) UnmarshalJSON(data []byte) error {
	var in struct {
		wireEvent
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event(in.wireEvent)
	e.Duration = time.Duration(in.DurationMS) * time.Millisecond
	return nil
}

// Sink 事件接收者
type Sink interface {
	Emit(e Event)
}

// SinkFunc 函数适配器
type SinkFunc func(e Event)

// Emit 实现 Sink
func (f SinkFunc) Emit(e Event) { f(e) }

// Fanout 将事件依次交给多个 Sink
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// Discard 丢弃所有事件
var Discard Sink = SinkFunc(func(Event) {})
