package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/CoachAgent/internal/checkpoint"
	"github.com/wwwzy/CoachAgent/internal/extract"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/llm"
	"github.com/wwwzy/CoachAgent/internal/llm/llmtest"
	"github.com/wwwzy/CoachAgent/internal/state"
	"github.com/wwwzy/CoachAgent/internal/storage"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

const catalogYAML = `
activities:
  - id: budget-basics
    title: Budget basics
    description: Build your first monthly budget.
    overall_objective: Know where your money goes.
    background:
      concepts: [income, expenses]
      content: A budget is a plan for your money.
    steps:
      - index: 1
        title: Track spending
        content: Write down everything you spend for a week.
        step_objective: Awareness of spending.
      - index: 2
        title: Categorize
        content: Group expenses into needs and wants.
        step_objective: Understand spending patterns.
      - index: 3
        title: Set limits
        content: Choose a monthly limit per category.
        step_objective: Plan ahead.
    glossary:
      budget: A plan for income and expenses.
    alternative_methods:
      - Use the envelope method.
`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	return c
}

func testConfig() Config {
	return Config{
		UserName: "Ana",
		Now:      func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func newTestService(t *testing.T, m *llmtest.Model, store checkpoint.Store, cfg Config, opts ...Option) *Service {
	t.Helper()
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	svc, err := NewService(m, store, testCatalog(t), cfg, opts...)
	require.NoError(t, err)
	return svc
}

func profileCall(args string) llmtest.Reply {
	return llmtest.ToolCall("x1", profileToolName, args)
}

func collectEvents(ctx context.Context) (context.Context, *[]graph.Event) {
	var events []graph.Event
	return graph.WithEmitter(ctx, func(ev graph.Event) { events = append(events, ev) }), &events
}

func eventTypes(events []graph.Event) map[graph.EventType]int {
	out := map[graph.EventType]int{}
	for _, ev := range events {
		out[ev.Type]++
	}
	return out
}

func TestOnboarding_PartialProfileSuspends(t *testing.T) {
	fake := llmtest.New(
		profileCall(`{"life_stage":"professional","profession":"teacher","age_range":"20-29","financial_goals":["save for a house"]}`),
		llmtest.Text("Nice to meet you Ana! How would you rate your finance knowledge?"),
	)
	svc := newTestService(t, fake, nil, testConfig())

	ctx, events := collectEvents(context.Background())
	reply, err := svc.Onboarding(ctx, "u1", "I'm a 28-year-old teacher wanting to save for a house")
	require.NoError(t, err)

	assert.Equal(t, state.StatusSuspended, reply.Status)
	assert.False(t, reply.Complete)
	assert.Equal(t, []string{FieldKnowledgeLevel}, reply.Missing)
	assert.Equal(t, "Professional", reply.Data[FieldLifeStage])
	assert.Equal(t, "teacher", reply.Data[FieldProfession])
	assert.Equal(t, []string{"save for a house"}, reply.Data[FieldFinancialGoals])
	assert.Equal(t, "Nice to meet you Ana! How would you rate your finance knowledge?", reply.Answer)
	assert.Equal(t, int64(2), reply.Seq)
	require.Len(t, reply.Messages, 2)

	types := eventTypes(*events)
	assert.Equal(t, 2, types[graph.EventStep])
	assert.Equal(t, 1, types[graph.EventMessage])
	assert.Greater(t, types[graph.EventMessageChunk], 1)
	assert.Zero(t, types[graph.EventOnboardingCompleted])

	// 聊天提示词使用收集变体，并列出缺失字段
	calls := fake.Calls()
	require.Len(t, calls, 2)
	sys := calls[1][0]
	assert.Equal(t, schema.System, sys.Role)
	assert.Contains(t, sys.Content, FieldKnowledgeLevel)
	assert.Contains(t, sys.Content, "Today is 2025-03-01")
	assert.Contains(t, sys.Content, "Ana")
}

func TestOnboarding_CompletesAndTerminates(t *testing.T) {
	fake := llmtest.New(
		profileCall(`{"life_stage":"Professional","profession":"teacher","age_range":"20-29","financial_goals":["save for a house"]}`),
		llmtest.Text("What is your knowledge level?"),
		profileCall(`{"financial_knowledge_level":"basic"}`),
		llmtest.Text("All set, thank you!"),
	)
	svc := newTestService(t, fake, nil, testConfig())
	ctx := context.Background()

	_, err := svc.Onboarding(ctx, "u1", "I'm a 28-year-old teacher wanting to save for a house")
	require.NoError(t, err)

	ctx, events := collectEvents(ctx)
	reply, err := svc.Onboarding(ctx, "u1", "Pretty basic I think")
	require.NoError(t, err)
	assert.True(t, reply.Complete)
	assert.Empty(t, reply.Missing)
	assert.Equal(t, state.StatusTerminated, reply.Status)
	assert.Equal(t, StepEnd, reply.Next)
	assert.Equal(t, "Basic", reply.Data[FieldKnowledgeLevel])
	assert.Equal(t, "teacher", reply.Data[FieldProfession], "earlier fields survive")
	assert.Equal(t, 1, eventTypes(*events)[graph.EventOnboardingCompleted])

	// 完成变体
	calls := fake.Calls()
	assert.Contains(t, calls[3][0].Content, "You have collected all the information")

	_, err = svc.Onboarding(ctx, "u1", "one more thing")
	assert.ErrorIs(t, err, graph.ErrThreadTerminated)

	read, err := svc.State(context.Background(), GraphOnboarding, "u1")
	require.NoError(t, err)
	assert.Equal(t, reply.Seq, read.Seq)
	assert.Empty(t, read.Answer)
}

func TestOnboarding_ExtractionFailureIsRecoverable(t *testing.T) {
	fake := llmtest.New(
		profileCall(`{"profession":"nurse"}`),
		llmtest.Text("Thanks! What's your life stage?"),
		// 两次都不合法，重试耗尽
		llmtest.Text("I am not sure"),
		profileCall(`{"life_stage":"Astronaut","profession":""}`),
		llmtest.Text("Could you tell me a bit more?"),
		// 下一轮正常
		profileCall(`{"life_stage":"Parent"}`),
		llmtest.Text("Got it."),
	)
	svc := newTestService(t, fake, nil, testConfig())
	ctx := context.Background()

	_, err := svc.Onboarding(ctx, "u1", "I work as a nurse")
	require.NoError(t, err)

	reply, err := svc.Onboarding(ctx, "u1", "I'm in space")
	require.NoError(t, err)
	require.Len(t, reply.Warnings, 1)
	assert.Contains(t, reply.Warnings[0], extract.ErrExtractionValidation.Error())
	assert.Equal(t, state.StructuredData{FieldProfession: "nurse"}, reply.Data)
	assert.Equal(t, state.StatusSuspended, reply.Status)
	assert.Equal(t, "Could you tell me a bit more?", reply.Answer)

	reply, err = svc.Onboarding(ctx, "u1", "I'm a parent")
	require.NoError(t, err)
	assert.Empty(t, reply.Warnings)
	assert.Equal(t, "Parent", reply.Data[FieldLifeStage])
	assert.Equal(t, "nurse", reply.Data[FieldProfession])
	assert.Equal(t, 0, fake.Remaining())
}

func TestOnboarding_ModelFailureResumes(t *testing.T) {
	fake := llmtest.New(
		profileCall(`{"profession":"chef"}`),
		llmtest.Fail(errors.New("502 bad gateway")),
		llmtest.Text("A chef, how fun!"),
	)
	svc := newTestService(t, fake, nil, testConfig())
	ctx := context.Background()

	_, err := svc.Onboarding(ctx, "u1", "I'm a chef")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrModelUnavailable)
	var sf *graph.StepFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, StepChat, sf.Step)
	assert.Equal(t, int64(1), sf.LastSeq)

	_, err = svc.Onboarding(ctx, "u1", "something different")
	assert.ErrorIs(t, err, graph.ErrTurnPending)

	reply, err := svc.Onboarding(ctx, "u1", "I'm a chef")
	require.NoError(t, err)
	assert.Equal(t, "A chef, how fun!", reply.Answer)
	assert.Equal(t, "chef", reply.Data[FieldProfession])
	assert.Equal(t, 3, fake.CallCount(), "extraction is not repeated")
	require.Len(t, reply.Messages, 2)
}

func TestActivity_ToolLoopUpdatesProgress(t *testing.T) {
	fake := llmtest.New(
		profileCall(`{"profession":"teacher"}`),
		llmtest.Text("Hi!"),
		llmtest.ToolCall("t1", tools.ProgressToolName, `{"step_index":2,"status":"Completed"}`),
		llmtest.Text("Great job! Ready for step 3?"),
	)
	svc := newTestService(t, fake, nil, testConfig())
	ctx := context.Background()

	_, err := svc.Onboarding(ctx, "u1", "I'm a teacher")
	require.NoError(t, err)

	ctx, events := collectEvents(ctx)
	reply, err := svc.Activity(ctx, ActivityRequest{
		Thread:        "u1-budget",
		ActivityID:    "budget-basics",
		ProfileThread: "u1",
		Message:       "I already finished step 2",
	})
	require.NoError(t, err)

	assert.Equal(t, state.StatusSuspended, reply.Status)
	assert.Equal(t, state.Progress{1: state.NotStarted, 2: state.Completed, 3: state.NotStarted}, reply.Progress)
	assert.Equal(t, "Great job! Ready for step 3?", reply.Answer)
	assert.Equal(t, "teacher", reply.Data[FieldProfession])
	assert.Equal(t, int64(3), reply.Seq)
	assert.Equal(t, 1, eventTypes(*events)[graph.EventProgressUpdated])

	st, err := svc.History(context.Background(), GraphActivity, "u1-budget", 0)
	require.NoError(t, err)
	require.Len(t, st, 3)
	msgs := st[2].State.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, schema.User, msgs[0].Role)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
	assert.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, schema.Tool, msgs[2].Role)
	assert.Equal(t, "t1", msgs[2].ToolCallID)
	assert.Equal(t, schema.Assistant, msgs[3].Role)

	// 活动提示词带上了画像和进度
	calls := fake.Calls()
	sys := calls[len(calls)-1][0].Content
	assert.Contains(t, sys, "teacher")
	assert.Contains(t, sys, "Completed")
	assert.Contains(t, sys, tools.ProgressToolName)
}

func TestActivity_ToolLoopIsBounded(t *testing.T) {
	fake := llmtest.New().Otherwise(func([]*schema.Message) llmtest.Reply {
		return llmtest.ToolCall("", tools.ProgressToolName, `{"step_index":1,"status":"In progress"}`)
	})
	cfg := testConfig()
	cfg.MaxToolRounds = 3
	store := checkpoint.NewMemoryStore()
	svc := newTestService(t, fake, store, cfg)

	_, err := svc.Activity(context.Background(), ActivityRequest{Thread: "loop", ActivityID: "budget-basics", Message: "go"})
	require.ErrorIs(t, err, graph.ErrToolLoopExceeded)
	var sf *graph.StepFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, StepChat, sf.Step)
	assert.Equal(t, int64(7), sf.LastSeq)
	assert.Equal(t, 4, fake.CallCount())

	latest, err := store.LoadLatest(context.Background(), ThreadKey(GraphActivity, "loop"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), latest.Seq)
	assert.Equal(t, state.StatusSuspended, latest.State.Status)
	assert.Equal(t, StepChat, latest.State.Next)
	assert.Zero(t, latest.State.ToolRounds)
	for _, m := range latest.State.Messages {
		for _, tc := range m.ToolCalls {
			assert.NotEmpty(t, tc.ID)
		}
	}
}

func TestActivity_NewTurnAfterToolLoopCap(t *testing.T) {
	var calm atomic.Bool
	fake := llmtest.New().Otherwise(func([]*schema.Message) llmtest.Reply {
		if calm.Load() {
			return llmtest.Text("Let's take it one step at a time.")
		}
		return llmtest.ToolCall("", tools.ProgressToolName, `{"step_index":1,"status":"In progress"}`)
	})
	cfg := testConfig()
	cfg.MaxToolRounds = 2
	store := checkpoint.NewMemoryStore()
	svc := newTestService(t, fake, store, cfg)
	ctx := context.Background()

	_, err := svc.Activity(ctx, ActivityRequest{Thread: "w", ActivityID: "budget-basics", Message: "go"})
	require.ErrorIs(t, err, graph.ErrToolLoopExceeded)

	calm.Store(true)
	reply, err := svc.Activity(ctx, ActivityRequest{Thread: "w", Message: "a new question"})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuspended, reply.Status)
	assert.Equal(t, "Let's take it one step at a time.", reply.Answer)
	assert.Equal(t, state.InProgress, reply.Progress[1])

	latest, err := store.LoadLatest(ctx, ThreadKey(GraphActivity, "w"))
	require.NoError(t, err)
	assert.Zero(t, latest.State.ToolRounds)
	assert.Equal(t, "a new question", latest.State.LastUserMessage())
}

func TestActivity_CloseAndUnknown(t *testing.T) {
	fake := llmtest.New(llmtest.Text("Welcome to the activity!"))
	svc := newTestService(t, fake, nil, testConfig())
	ctx := context.Background()

	_, err := svc.Activity(ctx, ActivityRequest{Thread: "x", ActivityID: "nope", Message: "hi"})
	assert.ErrorIs(t, err, ErrUnknownActivity)

	_, err = svc.CloseActivity(ctx, "never-started")
	assert.ErrorIs(t, err, graph.ErrThreadNotFound)

	reply, err := svc.Activity(ctx, ActivityRequest{Thread: "a1", ActivityID: "budget-basics", Message: "start"})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuspended, reply.Status)
	require.NotNil(t, reply.Activity)
	assert.Equal(t, "budget-basics", reply.Activity.ID)

	closed, err := svc.CloseActivity(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusTerminated, closed.Status)
	assert.Equal(t, StepEnd, closed.Next)

	_, err = svc.Activity(ctx, ActivityRequest{Thread: "a1", Message: "more"})
	assert.ErrorIs(t, err, graph.ErrThreadTerminated)

	_, err = svc.State(ctx, "billing", "a1")
	assert.ErrorIs(t, err, ErrUnknownGraph)
}

func TestService_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coachagent.db")
	open := func() checkpoint.Store {
		st, err := storage.Open(ctx, storage.Config{Path: path, MaxOpenConns: 1})
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		cs, err := checkpoint.NewSQLStore(st)
		require.NoError(t, err)
		return cs
	}

	first := newTestService(t, llmtest.New(
		profileCall(`{"profession":"pilot","age_range":"30-39"}`),
		llmtest.Text("Great!"),
	), open(), testConfig())
	before, err := first.Onboarding(ctx, "u1", "I'm a 35 year old pilot")
	require.NoError(t, err)

	second := newTestService(t, llmtest.New(
		profileCall(`{"life_stage":"Professional"}`),
		llmtest.Text("Thanks!"),
	), open(), testConfig())
	after, err := second.State(ctx, GraphOnboarding, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.Seq, after.Seq)
	assert.Equal(t, before.Data, after.Data)

	next, err := second.Onboarding(ctx, "u1", "I work full time")
	require.NoError(t, err)
	assert.Equal(t, before.Seq+2, next.Seq)
	assert.Equal(t, "pilot", next.Data[FieldProfession])
	assert.Equal(t, "Professional", next.Data[FieldLifeStage])
}

func TestCatalog(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, 1, c.Len())
	act, err := c.Get("budget-basics")
	require.NoError(t, err)
	require.Len(t, act.Steps, 3)
	assert.Equal(t, "Plan ahead.", act.Steps[2].Objective)
	assert.Equal(t, "A plan for income and expenses.", act.Glossary["budget"])

	_, err = ParseCatalog([]byte("activities:\n  - id: broken\n    steps:\n      - index: 2\n"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "activities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))
	loaded, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"budget-basics"}, []string{loaded.List()[0].ID})

	// 仓库自带的示例目录必须始终可以加载
	sample, err := LoadCatalog(filepath.Join("..", "..", "configs", "activities.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, sample.Len())
	for _, act := range sample.List() {
		assert.NotEmpty(t, act.Title)
	}
}

func TestSanitizeHistory(t *testing.T) {
	in := []*schema.Message{
		schema.UserMessage("hi"),
		schema.AssistantMessage("", []schema.ToolCall{{ID: "a", Function: schema.FunctionCall{Name: "x", Arguments: "{"}}}),
	}
	out := sanitizeHistory(in)
	assert.Equal(t, "{}", out[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "{", in[1].ToolCalls[0].Function.Arguments, "input untouched")
	assert.Len(t, chatHistory(out), 1)
}

func TestRequiredFieldsConfig(t *testing.T) {
	_, err := NewService(llmtest.New(), checkpoint.NewMemoryStore(), nil, Config{RequiredFields: []string{"salary"}})
	assert.Error(t, err)

	assert.Contains(t, OnboardingFieldNames(), FieldHobbies)
	assert.True(t, strings.HasPrefix(ThreadKey(GraphActivity, "u"), "activity:"))
}

// TestRealOnboardingFlow 使用真实的 ChatModel 进行集成测试
// 该测试需要 ARK_API_KEY 和 ARK_MODEL_ID 环境变量，未设置时跳过
func TestRealOnboardingFlow(t *testing.T) {
	apiKey := os.Getenv("ARK_API_KEY")
	modelID := os.Getenv("ARK_MODEL_ID")
	if apiKey == "" || modelID == "" {
		t.Skip("Skipping real agent test: ARK_API_KEY or ARK_MODEL_ID not set")
	}

	ctx := context.Background()
	cm, err := llm.New(ctx, llm.Settings{
		Config: llm.Config{Provider: llm.ProviderArk, Timeout: time.Minute},
		Ark:    llm.ArkConfig{APIKey: apiKey, ModelID: modelID, BaseURL: os.Getenv("ARK_BASE_URL")},
	})
	require.NoError(t, err)

	svc, err := NewService(cm, checkpoint.NewMemoryStore(), nil, Config{UserName: "Ana"})
	require.NoError(t, err)

	reply, err := svc.Onboarding(ctx, "real", "Hi! I'm a 28-year-old teacher and I want to save for a house.")
	require.NoError(t, err)
	t.Logf("answer: %s", reply.Answer)
	t.Logf("data: %v", reply.Data)
	assert.NotEmpty(t, reply.Answer)
	assert.Equal(t, state.StatusSuspended, reply.Status)
}
