package graph

import "context"

type EventType string

const (
	EventMessageChunk        EventType = "message_chunk"
	EventMessage             EventType = "message"
	EventStep                EventType = "step"
	EventProgressUpdated     EventType = "progress_updated"
	EventOnboardingCompleted EventType = "onboarding_completed"
)

// Event 是运行过程中推给调用方的增量输出。
type Event struct {
	Type    EventType `json:"type"`
	Thread  string    `json:"thread"`
	Step    string    `json:"step,omitempty"`
	Seq     int64     `json:"seq,omitempty"`
	Content string    `json:"content,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// Emitter 接收事件。调用在运行 goroutine 上同步发生，实现不应阻塞太久。
type Emitter func(Event)

type emitterKey struct{}

func WithEmitter(ctx context.Context, fn Emitter) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, emitterKey{}, fn)
}

// Emit 在 ctx 上没有 Emitter 时什么也不做。
func Emit(ctx context.Context, ev Event) {
	if fn, ok := ctx.Value(emitterKey{}).(Emitter); ok {
		fn(ev)
	}
}
