package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/state"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

const (
	GraphActivity = "activity"

	StepToolExec = "ToolExec"
)

type activity struct {
	chat       model.ToolCallingChatModel
	dispatcher *tools.Dispatcher
	maxRounds  int
	userName   string
	template   prompt.ChatTemplate
	log        *zap.Logger
}

// NewActivityGraph 构建 Activity 图：Chat ⇄ ToolExec，没有工具调用时挂起；
// 只有外部关闭信号才会进入 End。
func NewActivityGraph(m model.ToolCallingChatModel, registry *tools.Registry, cfg Config, log *zap.Logger) (*graph.Definition, error) {
	if m == nil {
		return nil, errors.New("chat model is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	// 将工具信息添加到chatModel
	bound, err := m.WithTools(registry.Infos())
	if err != nil {
		return nil, fmt.Errorf("bind tools to chat model failed: %w", err)
	}

	a := &activity{
		chat:       bound,
		dispatcher: tools.NewDispatcher(registry, log),
		maxRounds:  cfg.MaxToolRounds,
		userName:   cfg.UserName,
		template:   newChatTemplate(ActivityPromptTemplate),
		log:        log,
	}

	return &graph.Definition{
		Name:     GraphActivity,
		Entry:    StepChat,
		Terminal: []string{StepEnd},
		CloseTo:  StepEnd,
		Steps: map[string]graph.StepFunc{
			StepChat:     a.chatStep,
			StepToolExec: a.toolExec,
		},
		Routes: map[string]graph.RouteFunc{
			StepChat:     routeActivityChat,
			StepToolExec: func(*state.ConversationState) string { return StepChat },
		},
	}, nil
}

func (a *activity) chatStep(ctx context.Context, s *state.ConversationState) (graph.Result, error) {
	if s.Activity == nil {
		return graph.Result{}, fmt.Errorf("thread %s has no activity", s.Thread)
	}
	messages, err := a.template.Format(ctx, map[string]any{
		"user_name": userName(a.userName),
		"profile":   renderProfile(s.Profile),
		"activity":  renderYAML(s.Activity),
		"progress":  renderProgress(s.Activity, s.Progress),
		"tool":      tools.ProgressToolName,
		"history":   sanitizeHistory(s.Messages),
	})
	if err != nil {
		return graph.Result{}, fmt.Errorf("format chat template failed: %w", err)
	}

	reply, err := streamReply(ctx, a.chat, s.Thread, StepChat, messages)
	if err != nil {
		return graph.Result{}, err
	}
	if len(reply.ToolCalls) == 0 {
		return graph.Result{Update: state.Update{Messages: []*schema.Message{reply}}}, nil
	}

	// 连续请求工具的回合数受限，超过后本轮失败；运行时会结束本轮，线程可以接受新消息
	if s.ToolRounds >= a.maxRounds {
		return graph.Result{}, fmt.Errorf("%w: %d consecutive tool rounds", graph.ErrToolLoopExceeded, s.ToolRounds)
	}
	ensureToolCallIDs(reply)
	rounds := s.ToolRounds + 1
	return graph.Result{Update: state.Update{
		Messages:   []*schema.Message{reply},
		ToolRounds: &rounds,
	}}, nil
}

func routeActivityChat(s *state.ConversationState) string {
	if last := s.LastAssistant(); last != nil && len(last.ToolCalls) > 0 {
		return StepToolExec
	}
	return graph.Suspend
}

func (a *activity) toolExec(ctx context.Context, s *state.ConversationState) (graph.Result, error) {
	last := s.LastAssistant()
	if last == nil || len(last.ToolCalls) == 0 {
		return graph.Result{}, nil
	}
	scope := tools.NewScope(s.Activity, s.Progress)
	res, err := a.dispatcher.Dispatch(tools.WithThreadID(ctx, s.Thread), last.ToolCalls, scope)
	if err != nil {
		return graph.Result{}, err
	}
	if len(res.Progress) > 0 {
		a.log.Info("activity progress updated",
			zap.String("thread", s.Thread), zap.Any("progress", res.Progress))
		graph.Emit(ctx, graph.Event{
			Type:   graph.EventProgressUpdated,
			Thread: s.Thread,
			Step:   StepToolExec,
			Data:   scope.Progress(),
		})
	}
	return graph.Result{Update: state.Update{
		Messages: res.Messages,
		Progress: res.Progress,
	}}, nil
}
