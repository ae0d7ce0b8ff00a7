package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/checkpoint"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/llm/llmtest"
	"github.com/wwwzy/CoachAgent/internal/state"
	"github.com/wwwzy/CoachAgent/internal/storage"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const catalogYAML = `
activities:
  - id: emergency-fund
    title: Emergency fund
    description: Save three months of expenses.
    steps:
      - index: 1
        title: Estimate expenses
        content: Add up a month of essential costs.
      - index: 2
        title: Pick a target
        content: Multiply by three.
`

func newTestServer(t *testing.T, fake *llmtest.Model) *Server {
	t.Helper()
	catalog, err := agent.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	svc, err := agent.NewService(fake, checkpoint.NewMemoryStore(), catalog, agent.Config{UserName: "Ana"})
	require.NoError(t, err)
	srv, err := New(svc, nil)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type sseFrame struct {
	Event string
	Data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func frameEvents(frames []sseFrame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestOnboardingStreamsEventsThenState(t *testing.T) {
	fake := llmtest.New(
		llmtest.ToolCall("x", "record_onboarding_data", `{"profession":"designer"}`),
		llmtest.Text("Hello there Ana"),
	)
	srv := newTestServer(t, fake)

	rec := do(t, srv, http.MethodPost, "/chat/onboarding", OnboardingRequest{Thread: "u1", Message: "I'm a designer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))

	frames := parseSSE(t, rec.Body.String())
	events := frameEvents(frames)
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "step", events[0], "CollectData checkpoint comes first")
	assert.Contains(t, events, "message_chunk")
	assert.Contains(t, events, "message")
	assert.Equal(t, []string{"state", "done"}, events[len(events)-2:])

	var reply agent.Reply
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2].Data), &reply))
	assert.Equal(t, "Hello there Ana", reply.Answer)
	assert.Equal(t, "designer", reply.Data[agent.FieldProfession])
	assert.Equal(t, state.StatusSuspended, reply.Status)
	assert.Equal(t, int64(2), reply.Seq)
}

func TestOnboardingJSONAndStateRead(t *testing.T) {
	fake := llmtest.New(
		llmtest.ToolCall("x", "record_onboarding_data", `{"profession":"designer"}`),
		llmtest.Text("Nice!"),
	)
	srv := newTestServer(t, fake)

	rec := do(t, srv, http.MethodPost, "/chat/onboarding?stream=false", OnboardingRequest{Thread: "u1", Message: "I'm a designer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var reply agent.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "Nice!", reply.Answer)

	rec = do(t, srv, http.MethodGet, "/chat/onboarding?thread=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var read agent.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &read))
	assert.Equal(t, reply.Seq, read.Seq)
	assert.Empty(t, read.Answer)
	require.Len(t, read.Messages, 2)
	assert.Equal(t, "user", read.Messages[0].Role)
	assert.False(t, read.Complete)
	assert.Contains(t, read.Missing, agent.FieldLifeStage)
	assert.Equal(t, 2, fake.CallCount(), "state read runs no steps")
}

func TestErrorStatusMapping(t *testing.T) {
	fake := llmtest.New(llmtest.Fail(errors.New("connection refused")))
	srv := newTestServer(t, fake)

	rec := do(t, srv, http.MethodPost, "/chat/onboarding", OnboardingRequest{Thread: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/chat/onboarding", OnboardingRequest{Thread: " ", Message: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/chat/onboarding", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	// 第一个步骤就失败：还没有推送任何事件，返回普通 JSON 错误
	rec = do(t, srv, http.MethodPost, "/chat/onboarding", OnboardingRequest{Thread: "u1", Message: "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, agent.StepCollectData, body.Step)
	assert.Zero(t, body.LastSeq)
	// 新线程还没有检查点，last_seq=0 也要出现在响应里
	assert.Contains(t, rec.Body.String(), `"last_seq":0`)

	rec = do(t, srv, http.MethodGet, "/chat/billing?thread=u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/chat/activity", ActivityRequest{Thread: "a1", ActivityID: "missing", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/chat/activity/close", CloseRequest{Thread: "never"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamingFailureAfterFirstEvent(t *testing.T) {
	fake := llmtest.New(
		llmtest.ToolCall("x", "record_onboarding_data", `{"profession":"baker"}`),
		llmtest.Fail(errors.New("503 service unavailable")),
	)
	srv := newTestServer(t, fake)

	rec := do(t, srv, http.MethodPost, "/chat/onboarding", OnboardingRequest{Thread: "u1", Message: "I bake"})
	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"step", "error", "done"}, frameEvents(frames))

	var body ErrorBody
	require.NoError(t, json.Unmarshal([]byte(frames[1].Data), &body))
	assert.Equal(t, agent.StepChat, body.Step)
	assert.Equal(t, int64(1), body.LastSeq)

	// 换一条消息会被拒绝，线程停在 Chat 之前
	rec = do(t, srv, http.MethodPost, "/chat/onboarding", OnboardingRequest{Thread: "u1", Message: "something else"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestActivityFlowAndClose(t *testing.T) {
	fake := llmtest.New(
		llmtest.ToolCall("t1", tools.ProgressToolName, `{"step_index":1,"status":"in_progress"}`),
		llmtest.Text("Let's estimate your expenses."),
	)
	srv := newTestServer(t, fake)

	rec := do(t, srv, http.MethodGet, "/activities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acts []ActivitySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acts))
	require.Len(t, acts, 1)
	assert.Equal(t, ActivitySummary{ID: "emergency-fund", Title: "Emergency fund", Description: "Save three months of expenses.", Steps: 2}, acts[0])

	rec = do(t, srv, http.MethodPost, "/chat/activity", ActivityRequest{Thread: "a1", ActivityID: "emergency-fund", Message: "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(t, rec.Body.String())
	assert.Contains(t, frameEvents(frames), "progress_updated")

	var reply agent.Reply
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2].Data), &reply))
	assert.Equal(t, state.InProgress, reply.Progress[1])
	assert.Equal(t, state.NotStarted, reply.Progress[2])

	rec = do(t, srv, http.MethodPost, "/chat/activity/close", CloseRequest{Thread: "a1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var closed agent.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.Equal(t, state.StatusTerminated, closed.Status)

	rec = do(t, srv, http.MethodPost, "/chat/activity", ActivityRequest{Thread: "a1", Message: "again"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestHealthAndTraceHeader(t *testing.T) {
	srv := newTestServer(t, llmtest.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "trace-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-123", rec.Header().Get(TraceHeader))
}

func TestStatusForStorageErrors(t *testing.T) {
	busy := &graph.StepFailure{Thread: "t", Step: agent.StepChat, LastSeq: 2,
		Err: fmt.Errorf("%w: database is locked", storage.ErrBusy)}
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(busy))

	conflict := fmt.Errorf("append: %w", checkpoint.ErrConcurrentModification)
	assert.Equal(t, http.StatusConflict, statusFor(conflict))
}
