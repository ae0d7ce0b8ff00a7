package server

import (
	"errors"
	"net/http"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/checkpoint"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/llm"
	"github.com/wwwzy/CoachAgent/internal/storage"
)

var errBadRequest = errors.New("bad request")

// ErrorBody 是错误响应（JSON 或 SSE error 事件）的内容。
type ErrorBody struct {
	Error   string `json:"error"`
	Step    string `json:"step,omitempty"`
	LastSeq int64  `json:"last_seq"`
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Error: err.Error()}
	var sf *graph.StepFailure
	if errors.As(err, &sf) {
		body.Step = sf.Step
		body.LastSeq = sf.LastSeq
	}
	return body
}

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, checkpoint.ErrEmptyThread):
		return http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrConcurrentModification), errors.Is(err, graph.ErrTurnPending):
		return http.StatusConflict
	case errors.Is(err, graph.ErrThreadTerminated):
		return http.StatusGone
	case errors.Is(err, agent.ErrUnknownActivity),
		errors.Is(err, agent.ErrUnknownGraph),
		errors.Is(err, graph.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrModelTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, llm.ErrModelUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
