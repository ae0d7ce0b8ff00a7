package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/extract"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/llm"
	"github.com/wwwzy/CoachAgent/internal/state"
)

const (
	GraphOnboarding = "onboarding"

	StepCollectData = "CollectData"
	StepChat        = "Chat"
	StepEnd         = "End"
)

type onboarding struct {
	chat      model.ToolCallingChatModel
	extractor *extract.Adapter
	required  []string
	userName  string
	now       func() time.Time
	log       *zap.Logger

	collecting prompt.ChatTemplate
	completed  prompt.ChatTemplate
}

// NewOnboardingGraph 构建 Onboarding 图：CollectData → Chat → (挂起 | End)。
func NewOnboardingGraph(m model.ToolCallingChatModel, cfg Config, log *zap.Logger) (*graph.Definition, error) {
	if m == nil {
		return nil, errors.New("chat model is required")
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	extractor, err := extract.NewAdapter(m, OnboardingSchema(cfg.RequiredFields),
		extract.WithPolicy(extract.Policy{MaxAttempts: cfg.ExtractionAttempts}),
		extract.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("init extractor failed: %w", err)
	}

	o := &onboarding{
		chat:       m,
		extractor:  extractor,
		required:   cfg.RequiredFields,
		userName:   cfg.UserName,
		now:        cfg.Now,
		log:        log,
		collecting: newChatTemplate(CollectingPromptTemplate),
		completed:  newChatTemplate(CompletedPromptTemplate),
	}

	return &graph.Definition{
		Name:     GraphOnboarding,
		Entry:    StepCollectData,
		Terminal: []string{StepEnd},
		Steps: map[string]graph.StepFunc{
			StepCollectData: o.collectData,
			StepChat:        o.chatStep,
		},
		Routes: map[string]graph.RouteFunc{
			StepCollectData: func(*state.ConversationState) string { return StepChat },
			StepChat:        o.routeChat,
		},
	}, nil
}

// collectData 抽取本轮用户消息中的字段。
// 抽取校验失败是可恢复的：已有数据保持不变，作为警告交给调用方，对话继续。
func (o *onboarding) collectData(ctx context.Context, s *state.ConversationState) (graph.Result, error) {
	pending := s.PendingUserMessages()
	if len(pending) == 0 {
		return graph.Result{}, nil
	}
	res, err := o.extractor.Extract(ctx, s.Data, extractionInput(s.Messages, pending))
	if err != nil {
		if errors.Is(err, extract.ErrExtractionValidation) {
			o.log.Warn("extraction failed, keeping previous data",
				zap.String("thread", s.Thread), zap.Error(err))
			return graph.Result{Warnings: []error{err}}, nil
		}
		return graph.Result{}, fmt.Errorf("extract onboarding data: %w", llm.Classify(err))
	}
	o.log.Debug("extracted onboarding data",
		zap.String("thread", s.Thread), zap.Strings("fields", res.Delta.Keys()), zap.Int("attempts", res.Attempts))
	return graph.Result{Update: state.Update{Data: res.Delta}}, nil
}

func (o *onboarding) chatStep(ctx context.Context, s *state.ConversationState) (graph.Result, error) {
	variant := VariantCollecting
	tpl := o.collecting
	if state.Complete(s.Data, o.required) {
		variant = VariantCompleted
		tpl = o.completed
	}

	messages, err := tpl.Format(ctx, map[string]any{
		"user_name": userName(o.userName),
		"collected": renderCollected(s.Data),
		"missing":   renderMissing(state.Missing(s.Data, o.required)),
		"date":      o.now().Format("2006-01-02"),
		"history":   chatHistory(s.Messages),
	})
	if err != nil {
		return graph.Result{}, fmt.Errorf("format chat template failed: %w", err)
	}

	reply, err := streamReply(ctx, o.chat, s.Thread, StepChat, messages)
	if err != nil {
		return graph.Result{}, err
	}
	return graph.Result{Update: state.Update{
		Messages: []*schema.Message{reply},
		Variant:  &variant,
	}}, nil
}

// routeChat: 只有使用了完成变体且必填字段齐全时才进入 End。
func (o *onboarding) routeChat(s *state.ConversationState) string {
	if s.Variant == VariantCompleted && state.Complete(s.Data, o.required) {
		return StepEnd
	}
	return graph.Suspend
}

// streamReply 以流式调用模型，逐块推送 message_chunk，最后推送完整的 message。
func streamReply(ctx context.Context, m model.ToolCallingChatModel, thread, step string, input []*schema.Message) (*schema.Message, error) {
	sr, err := m.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("chat model stream failed: %w", llm.Classify(err))
	}
	reply, err := llm.Collect(sr, func(chunk string) {
		graph.Emit(ctx, graph.Event{Type: graph.EventMessageChunk, Thread: thread, Step: step, Content: chunk})
	})
	if err != nil {
		return nil, fmt.Errorf("chat model stream failed: %w", llm.Classify(err))
	}
	reply.Role = schema.Assistant
	if reply.Content != "" {
		graph.Emit(ctx, graph.Event{Type: graph.EventMessage, Thread: thread, Step: step, Content: reply.Content})
	}
	return reply, nil
}
