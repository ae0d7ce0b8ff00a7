package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

type OnboardingRequest struct {
	Thread  string `json:"thread"`
	Message string `json:"message"`
}

type ActivityRequest struct {
	Thread        string `json:"thread"`
	ActivityID    string `json:"activity_id,omitempty"`
	ProfileThread string `json:"profile_thread,omitempty"`
	Message       string `json:"message"`
}

type CloseRequest struct {
	Thread string `json:"thread"`
}

type ActivitySummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var req OnboardingRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, fmt.Errorf("%w: message is required", errBadRequest))
		return
	}
	s.run(w, r, req.Thread, func(ctx context.Context) (*agent.Reply, error) {
		return s.backend.Onboarding(ctx, req.Thread, req.Message)
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, fmt.Errorf("%w: message is required", errBadRequest))
		return
	}
	s.run(w, r, req.Thread, func(ctx context.Context) (*agent.Reply, error) {
		return s.backend.Activity(ctx, agent.ActivityRequest{
			Thread:        req.Thread,
			ActivityID:    req.ActivityID,
			ProfileThread: req.ProfileThread,
			Message:       req.Message,
		})
	})
}

func (s *Server) handleCloseActivity(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.backend.CloseActivity(r.Context(), req.Thread)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	reply, err := s.backend.State(r.Context(), chi.URLParam(r, "graph"), r.URL.Query().Get("thread"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	acts := s.backend.Catalog().List()
	out := make([]ActivitySummary, 0, len(acts))
	for _, a := range acts {
		out = append(out, ActivitySummary{ID: a.ID, Title: a.Title, Description: a.Description, Steps: len(a.Steps)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// run 执行一轮对话。默认以 SSE 推送增量事件，最后推送 state 和 done；
// 请求带 ?stream=false 时只返回最终的 JSON 快照。
func (s *Server) run(w http.ResponseWriter, r *http.Request, thread string, fn func(ctx context.Context) (*agent.Reply, error)) {
	log := s.log.With(zap.String("thread", thread), zap.String("trace_id", tools.GetTraceID(r.Context())))

	if r.URL.Query().Get("stream") == "false" {
		reply, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, reply)
		return
	}

	sse, ok := newSSEWriter(w, log)
	if !ok {
		s.writeError(w, r, errors.New("streaming not supported"))
		return
	}
	reply, err := fn(graph.WithEmitter(r.Context(), sse.emitter()))
	if err != nil {
		if !sse.started {
			s.writeError(w, r, err)
			return
		}
		log.Warn("chat turn failed after streaming started", zap.Error(err))
		sse.send(eventError, errorBody(err))
		sse.send(eventDone, struct{}{})
		return
	}
	sse.send(eventState, reply)
	sse.send(eventDone, struct{}{})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", errBadRequest)
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path),
			zap.String("trace_id", tools.GetTraceID(r.Context())), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}
