package ui

import (
	"context"
	"errors"

	"github.com/wwwzy/CoachAgent/internal/agent"
)

// ChatBackend 是交互界面驱动的一条对话线程。
type ChatBackend interface {
	// Send 推进一轮对话。
	Send(ctx context.Context, message string) (*agent.Reply, error)
	// Load 读取线程当前状态，不执行任何步骤。
	Load(ctx context.Context) (*agent.Reply, error)
	// Close 结束线程（只有 Activity 支持）。
	Close(ctx context.Context) (*agent.Reply, error)
	Title() string
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error
}

type ChatOptions struct {
	// Stream 为 true 时逐块输出助手回复。
	Stream bool
}

var ErrCloseUnsupported = errors.New("only activity threads can be closed")

// Session 把 agent.Service 上的一条线程包装成 ChatBackend。
type Session struct {
	Service       *agent.Service
	Graph         string
	Thread        string
	ActivityID    string
	ProfileThread string
}

func (s *Session) Send(ctx context.Context, message string) (*agent.Reply, error) {
	if s.Graph == agent.GraphActivity {
		return s.Service.Activity(ctx, agent.ActivityRequest{
			Thread:        s.Thread,
			ActivityID:    s.ActivityID,
			ProfileThread: s.ProfileThread,
			Message:       message,
		})
	}
	return s.Service.Onboarding(ctx, s.Thread, message)
}

func (s *Session) Load(ctx context.Context) (*agent.Reply, error) {
	return s.Service.State(ctx, s.Graph, s.Thread)
}

func (s *Session) Close(ctx context.Context) (*agent.Reply, error) {
	if s.Graph != agent.GraphActivity {
		return nil, ErrCloseUnsupported
	}
	return s.Service.CloseActivity(ctx, s.Thread)
}

func (s *Session) Title() string {
	if s.Graph == agent.GraphActivity && s.ActivityID != "" {
		return s.Graph + " · " + s.ActivityID + " · " + s.Thread
	}
	return s.Graph + " · " + s.Thread
}
