package tools

import (
	"context"
	"sync"

	"github.com/wwwzy/CoachAgent/internal/state"
)

type traceIDKey struct{}
type threadIDKey struct{}
type scopeKey struct{}

// WithTraceID 将 TraceID 注入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithThreadID(ctx context.Context, thread string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, thread)
}

func GetThreadID(ctx context.Context) string {
	if v, ok := ctx.Value(threadIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Scope 是一次 Dispatch 期间工具可见的状态视图。
//
// 工具不直接修改 ConversationState，而是把变更记在 Scope 里，
// 由 Dispatcher 汇总成 Update 交给 Runtime 合并。
type Scope struct {
	mu       sync.Mutex
	activity *state.Activity
	progress state.Progress
	changed  state.Progress
}

// NewScope 复制一份 progress 作为工作副本。
func NewScope(activity *state.Activity, progress state.Progress) *Scope {
	p := progress.Clone()
	if p == nil {
		p = state.Progress{}
	}
	return &Scope{activity: activity, progress: p, changed: state.Progress{}}
}

func (s *Scope) Activity() *state.Activity { return s.activity }

// Progress 返回当前工作副本（含本次 Dispatch 已做的修改）。
func (s *Scope) Progress() state.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.Clone()
}

// SetProgress 一次性写入多个步骤状态。
func (s *Scope) SetProgress(updates state.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, st := range updates {
		s.progress[idx] = st
		s.changed[idx] = st
	}
}

// Changed 返回本次 Dispatch 中被修改过的步骤。
func (s *Scope) Changed() state.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed.Clone()
}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}
