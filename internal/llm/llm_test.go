package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/CoachAgent/internal/llm/llmtest"
)

// blockingModel 一直阻塞到 ctx 结束。
type blockingModel struct{}

func (blockingModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b blockingModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return b, nil
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), ErrModelTimeout)
	assert.ErrorIs(t, Classify(errors.New("502 bad gateway")), ErrModelUnavailable)
	assert.ErrorIs(t, Classify(context.Canceled), context.Canceled)
	assert.NotErrorIs(t, Classify(context.Canceled), ErrModelUnavailable)

	already := Classify(context.DeadlineExceeded)
	assert.Equal(t, already, Classify(already))
}

func TestGuard_Timeout(t *testing.T) {
	g := NewGuard(blockingModel{}, 20*time.Millisecond)

	_, err := g.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	assert.ErrorIs(t, err, ErrModelTimeout)

	_, err = g.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	assert.ErrorIs(t, err, ErrModelTimeout)
}

func TestGuard_ClassifiesFailures(t *testing.T) {
	fake := llmtest.New(llmtest.Fail(errors.New("connection refused")))
	g := NewGuard(fake, time.Second)

	_, err := g.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestGuard_StreamCollect(t *testing.T) {
	fake := llmtest.New(llmtest.Text("hello there friend"))
	g := NewGuard(fake, time.Second)

	sr, err := g.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	var chunks []string
	msg, err := Collect(sr, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	assert.Equal(t, "hello there friend", msg.Content)
	assert.Equal(t, []string{"hello ", "there ", "friend"}, chunks)
}

func TestGuard_WithToolsKeepsGuard(t *testing.T) {
	g := NewGuard(llmtest.New(), time.Second)
	bound, err := g.WithTools([]*schema.ToolInfo{{Name: "noop"}})
	require.NoError(t, err)
	_, ok := bound.(*Guard)
	assert.True(t, ok)

	// 重复包装不会叠加
	again := NewGuard(g, time.Minute)
	assert.Equal(t, time.Minute, again.timeout)
	_, nested := again.inner.(*Guard)
	assert.False(t, nested)
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("hi"),
		schema.AssistantMessage("", []schema.ToolCall{{
			ID:       "call_1",
			Function: schema.FunctionCall{Name: "update_activity_progress", Arguments: `{"step_index":1}`},
		}}),
		schema.ToolMessage("ok", "call_1"),
		nil,
	}

	out := toOpenAIMessages(msgs)
	require.Len(t, out, 4)
	require.NotNil(t, out[0].OfSystem)
	require.NotNil(t, out[1].OfUser)
	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", out[2].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "update_activity_progress", out[2].OfAssistant.ToolCalls[0].Function.Name)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "call_1", out[3].OfTool.ToolCallID)
}

func TestToOpenAITools(t *testing.T) {
	info := &schema.ToolInfo{
		Name: "update_activity_progress",
		Desc: "update progress",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"step_index": {Type: schema.Integer, Required: true},
			"status":     {Type: schema.String, Enum: []string{"Not started", "In progress", "Completed"}},
		}),
	}
	out, err := toOpenAITools([]*schema.ToolInfo{info})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "update_activity_progress", out[0].Function.Name)
	assert.Equal(t, "object", out[0].Function.Parameters["type"])
	props, ok := out[0].Function.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "step_index")
	assert.Contains(t, props, "status")
}

func TestFromOpenAIMessage(t *testing.T) {
	msg := fromOpenAIMessage(openai.ChatCompletionMessage{
		Content: "done",
		ToolCalls: []openai.ChatCompletionMessageToolCall{{
			Function: openai.ChatCompletionMessageToolCallFunction{Name: "x", Arguments: "{}"},
		}},
	})
	assert.Equal(t, schema.Assistant, msg.Role)
	assert.Equal(t, "done", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "auto_call_0", msg.ToolCalls[0].ID)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Settings{Config: Config{Provider: "nope"}})
	assert.Error(t, err)

	_, err = New(context.Background(), Settings{Config: Config{Provider: ProviderOpenAI}})
	assert.Error(t, err, "missing key")
}
