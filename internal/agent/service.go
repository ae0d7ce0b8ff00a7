package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/checkpoint"
	"github.com/wwwzy/CoachAgent/internal/extract"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/state"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

const (
	DefaultMaxToolRounds = 6
	DefaultMaxSteps      = graph.DefaultMaxSteps
)

// Config 是两张图共用的业务配置。
type Config struct {
	// RequiredFields 为 Onboarding 完成所需的字段，为空时使用 DefaultRequiredFields。
	RequiredFields     []string
	MaxToolRounds      int
	MaxSteps           int
	ExtractionAttempts int
	UserName           string
	Now                func() time.Time
}

func (c Config) withDefaults() Config {
	if len(c.RequiredFields) == 0 {
		c.RequiredFields = DefaultRequiredFields
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	// 每个工具回合占两步（Chat + ToolExec），保证工具上限先于步数上限触发
	if floor := 2*c.MaxToolRounds + 4; c.MaxSteps < floor {
		c.MaxSteps = floor
	}
	if c.ExtractionAttempts <= 0 {
		c.ExtractionAttempts = extract.DefaultMaxAttempts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type options struct {
	log   *zap.Logger
	audit tools.AuditSink
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAudit 为每次工具调用写审计记录。
func WithAudit(sink tools.AuditSink) Option {
	return func(o *options) { o.audit = sink }
}

// Service 是对外的门面：线程命名空间、两张图的运行时和活动目录。
type Service struct {
	onboarding *graph.Runtime
	activity   *graph.Runtime
	catalog    *Catalog
	required   []string
	log        *zap.Logger
}

func NewService(m model.ToolCallingChatModel, store checkpoint.Store, catalog *Catalog, cfg Config, opts ...Option) (*Service, error) {
	o := &options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	cfg = cfg.withDefaults()
	if err := OnboardingSchema(cfg.RequiredFields).CheckRequired(cfg.RequiredFields); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = &Catalog{activities: map[string]*state.Activity{}}
	}

	onboardingDef, err := NewOnboardingGraph(m, cfg, o.log.Named(GraphOnboarding))
	if err != nil {
		return nil, err
	}
	registry, err := tools.Default(context.Background())
	if err != nil {
		return nil, err
	}
	activityDef, err := NewActivityGraph(m, registry.WithAudit(o.audit, o.log), cfg, o.log.Named(GraphActivity))
	if err != nil {
		return nil, err
	}

	onboardingRT, err := graph.NewRuntime(onboardingDef, store, graph.WithLogger(o.log), graph.WithMaxSteps(cfg.MaxSteps))
	if err != nil {
		return nil, err
	}
	activityRT, err := graph.NewRuntime(activityDef, store, graph.WithLogger(o.log), graph.WithMaxSteps(cfg.MaxSteps))
	if err != nil {
		return nil, err
	}
	return &Service{
		onboarding: onboardingRT,
		activity:   activityRT,
		catalog:    catalog,
		required:   cfg.RequiredFields,
		log:        o.log,
	}, nil
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// ThreadKey 给线程加上图名前缀，两张图的线程互不干扰。
func ThreadKey(graphName, thread string) string {
	return graphName + ":" + thread
}

// Message 是对外展示的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply 是一次调用后的线程快照。
type Reply struct {
	Graph    string               `json:"graph"`
	Thread   string               `json:"thread"`
	Seq      int64                `json:"seq"`
	Status   state.Status         `json:"status"`
	Next     string               `json:"next,omitempty"`
	Answer   string               `json:"answer,omitempty"`
	Messages []Message            `json:"messages"`
	Data     state.StructuredData `json:"data,omitempty"`
	Complete bool                 `json:"complete"`
	Missing  []string             `json:"missing,omitempty"`
	Activity *state.Activity      `json:"activity,omitempty"`
	Progress state.Progress       `json:"progress,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

// Onboarding 推进 Onboarding 线程；message 为空时只读取状态。
func (s *Service) Onboarding(ctx context.Context, thread, message string) (*Reply, error) {
	if strings.TrimSpace(thread) == "" {
		return nil, checkpoint.ErrEmptyThread
	}
	out, err := s.onboarding.Run(ctx, ThreadKey(GraphOnboarding, thread), graph.Input{Message: message})
	if err != nil {
		return nil, err
	}
	reply := s.reply(GraphOnboarding, thread, out)
	if out.Steps > 0 && out.State.Status == state.StatusTerminated {
		s.log.Info("onboarding completed", zap.String("thread", thread), zap.Int64("seq", out.Seq))
		graph.Emit(ctx, graph.Event{
			Type:   graph.EventOnboardingCompleted,
			Thread: out.State.Thread,
			Seq:    out.Seq,
			Data:   out.State.Data,
		})
	}
	return reply, nil
}

// ActivityRequest 描述一次 Activity 调用。
type ActivityRequest struct {
	Thread string
	// ActivityID 只在线程第一次运行时使用。
	ActivityID string
	// ProfileThread 为可选的 Onboarding 线程，其数据作为用户画像注入活动。
	ProfileThread string
	Message       string
}

func (s *Service) Activity(ctx context.Context, req ActivityRequest) (*Reply, error) {
	if strings.TrimSpace(req.Thread) == "" {
		return nil, checkpoint.ErrEmptyThread
	}
	key := ThreadKey(GraphActivity, req.Thread)
	ctx = tools.WithThreadID(ctx, key)

	seed := func(st *state.ConversationState) error {
		act, err := s.catalog.Get(req.ActivityID)
		if err != nil {
			return err
		}
		st.Activity = act
		st.Progress = state.NewProgress(act)
		if req.ProfileThread != "" {
			prof, err := s.onboarding.Load(ctx, ThreadKey(GraphOnboarding, req.ProfileThread))
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			st.Profile = prof.State.Data.Clone()
		}
		return nil
	}
	if strings.TrimSpace(req.Message) == "" {
		// 只读时不需要活动定义
		seed = nil
	}

	out, err := s.activity.Run(ctx, key, graph.Input{Message: req.Message, Seed: seed})
	if err != nil {
		return nil, err
	}
	if req.ActivityID != "" && out.State.Activity != nil && out.State.Activity.ID != req.ActivityID {
		s.log.Warn("activity id ignored for existing thread",
			zap.String("thread", req.Thread), zap.String("requested", req.ActivityID), zap.String("current", out.State.Activity.ID))
	}
	return s.reply(GraphActivity, req.Thread, out), nil
}

// CloseActivity 发送外部关闭信号，线程进入 End。
func (s *Service) CloseActivity(ctx context.Context, thread string) (*Reply, error) {
	if strings.TrimSpace(thread) == "" {
		return nil, checkpoint.ErrEmptyThread
	}
	out, err := s.activity.Run(ctx, ThreadKey(GraphActivity, thread), graph.Input{Close: true})
	if err != nil {
		return nil, err
	}
	return s.reply(GraphActivity, thread, out), nil
}

// State 读取线程状态，不执行任何步骤。
func (s *Service) State(ctx context.Context, graphName, thread string) (*Reply, error) {
	rt, err := s.runtime(graphName)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(thread) == "" {
		return nil, checkpoint.ErrEmptyThread
	}
	out, err := rt.Load(ctx, ThreadKey(graphName, thread))
	if err != nil {
		return nil, err
	}
	return s.reply(graphName, thread, out), nil
}

// History 返回线程最近 limit 个检查点。
func (s *Service) History(ctx context.Context, graphName, thread string, limit int) ([]*checkpoint.Checkpoint, error) {
	rt, err := s.runtime(graphName)
	if err != nil {
		return nil, err
	}
	return rt.History(ctx, ThreadKey(graphName, thread), limit)
}

var ErrUnknownGraph = errors.New("unknown graph")

func (s *Service) runtime(graphName string) (*graph.Runtime, error) {
	switch graphName {
	case GraphOnboarding:
		return s.onboarding, nil
	case GraphActivity:
		return s.activity, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownGraph, graphName)
}

func (s *Service) reply(graphName, thread string, out *graph.Outcome) *Reply {
	st := out.State
	r := &Reply{
		Graph:    graphName,
		Thread:   thread,
		Seq:      out.Seq,
		Status:   st.Status,
		Next:     st.Next,
		Messages: make([]Message, 0, len(st.Messages)),
	}
	for _, m := range st.VisibleMessages() {
		r.Messages = append(r.Messages, Message{Role: string(m.Role), Content: m.Content})
	}
	if out.Steps > 0 {
		if last := st.LastAssistant(); last != nil {
			r.Answer = last.Content
		}
	}
	switch graphName {
	case GraphOnboarding:
		r.Data = st.Data
		r.Complete = state.Complete(st.Data, s.required)
		r.Missing = state.Missing(st.Data, s.required)
	case GraphActivity:
		r.Data = st.Profile
		r.Activity = st.Activity
		r.Progress = st.Progress
	}
	for _, w := range out.Warnings {
		r.Warnings = append(r.Warnings, w.Error())
	}
	return r
}
