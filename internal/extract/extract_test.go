package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/CoachAgent/internal/llm/llmtest"
	"github.com/wwwzy/CoachAgent/internal/state"
)

func testSchema() Schema {
	return Schema{
		Name: "record_profile",
		Desc: "record profile fields",
		Fields: []Field{
			{Name: "life_stage", Type: Enum, Enum: []string{"Student", "Early career", "Retired"}},
			{Name: "profession", Type: String},
			{Name: "financial_goals", Type: StringList},
			{Name: "age", Type: Integer},
		},
		Required: []string{"life_stage", "profession"},
	}
}

func TestSchema_Validate(t *testing.T) {
	s := testSchema()

	data, violations := s.Validate(map[string]any{
		"life_stage":      "early CAREER",
		"profession":      "  nurse ",
		"financial_goals": "save for a house",
		"age":             float64(29),
		"unknown":         "ignored",
	})
	assert.Empty(t, violations)
	assert.Equal(t, state.StructuredData{
		"life_stage":      "Early career",
		"profession":      "nurse",
		"financial_goals": []string{"save for a house"},
		"age":             29,
	}, data)

	data, violations = s.Validate(map[string]any{
		"life_stage": "astronaut",
		"age":        2.5,
		"profession": "",
	})
	assert.Empty(t, data)
	require.Len(t, violations, 2)
	assert.Equal(t, "life_stage", violations[0].Field)
	assert.Equal(t, "age", violations[1].Field)
}

func TestSchema_ToolInfo(t *testing.T) {
	info := testSchema().ToolInfo()
	assert.Equal(t, "record_profile", info.Name)
	assert.NotNil(t, info.ParamsOneOf)
}

func TestSchema_CheckRequired(t *testing.T) {
	s := testSchema()
	assert.NoError(t, s.CheckRequired([]string{"profession"}))
	assert.Error(t, s.CheckRequired([]string{"salary"}))
}

func TestRetry(t *testing.T) {
	calls := 0
	out, n, err := Retry(context.Background(), Policy{MaxAttempts: 3}, func(_ context.Context, attempt int, last []Violation) (string, []Violation, error) {
		calls++
		if attempt == 1 {
			assert.Nil(t, last)
			return "", []Violation{{Message: "bad"}}, nil
		}
		require.Len(t, last, 1)
		return "ok", nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, calls)

	boom := errors.New("boom")
	_, n, err = Retry(context.Background(), Policy{MaxAttempts: 3}, func(context.Context, int, []Violation) (int, []Violation, error) {
		return 0, nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestAdapter_RepairsOnSecondAttempt(t *testing.T) {
	fake := llmtest.New(
		llmtest.ToolCall("c1", "record_profile", `{"life_stage":"astronaut","profession":"pilot"}`),
		llmtest.ToolCall("c2", "record_profile", `{"life_stage":"early career","profession":"pilot"}`),
	)
	a, err := NewAdapter(fake, testSchema())
	require.NoError(t, err)

	existing := state.StructuredData{"financial_goals": []string{"buy a car"}}
	res, err := a.Extract(context.Background(), existing, []*schema.Message{schema.UserMessage("I'm a pilot, just started working")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, state.StructuredData{"life_stage": "Early career", "profession": "pilot"}, res.Delta)
	assert.Equal(t, "pilot", res.Data["profession"])
	assert.Equal(t, []string{"buy a car"}, res.Data["financial_goals"])
	// existing 不被修改
	assert.NotContains(t, existing, "profession")

	calls := fake.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, schema.User, last.Role)
	assert.Contains(t, last.Content, "life_stage")
}

func TestAdapter_ExhaustedLeavesDataUntouched(t *testing.T) {
	fake := llmtest.New(
		llmtest.Text("sorry, I cannot help"),
		llmtest.ToolCall("c2", "record_profile", `{"life_stage":"astronaut"}`),
	)
	a, err := NewAdapter(fake, testSchema())
	require.NoError(t, err)

	existing := state.StructuredData{"profession": "teacher"}
	res, err := a.Extract(context.Background(), existing, []*schema.Message{schema.UserMessage("hello")})
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrExtractionValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, verr.Attempts)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "life_stage", verr.Violations[0].Field)

	assert.Equal(t, state.StructuredData{"profession": "teacher"}, existing)
	assert.Equal(t, 0, fake.Remaining())
}

func TestAdapter_ContentFallbackAndModelError(t *testing.T) {
	fake := llmtest.New(
		llmtest.Text("```json\n{\"profession\": \"chef\"}\n```"),
		llmtest.Fail(errors.New("upstream down")),
	)
	a, err := NewAdapter(fake, testSchema(), WithPolicy(Policy{MaxAttempts: 3}))
	require.NoError(t, err)

	res, err := a.Extract(context.Background(), nil, []*schema.Message{schema.UserMessage("I cook")})
	require.NoError(t, err)
	assert.Equal(t, "chef", res.Data["profession"])
	assert.Equal(t, 1, res.Attempts)

	_, err = a.Extract(context.Background(), nil, []*schema.Message{schema.UserMessage("again")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExtractionValidation)
}

func TestAdapter_BindsSchemaTool(t *testing.T) {
	fake := llmtest.New()
	_, err := NewAdapter(fake, testSchema())
	require.NoError(t, err)

	_, err = NewAdapter(fake, Schema{Name: "x", Fields: []Field{{Name: "a"}}, Required: []string{"b"}})
	assert.Error(t, err)
}

func TestDecodeObject(t *testing.T) {
	out, err := decodeObject(`Sure! {"a": 1} hope this helps`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])

	_, err = decodeObject("no json here")
	assert.Error(t, err)
}
