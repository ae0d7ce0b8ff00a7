// Package server 通过 HTTP 暴露两张对话图，增量输出以 SSE 推送。
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

// defaultMaxRequestBodySize 为请求体的最大字节数（1MB）。
const defaultMaxRequestBodySize = 1 << 20

// TraceHeader 为请求追踪 id 的请求/响应头，工具审计记录用它串联一次请求。
const TraceHeader = "X-Trace-Id"

// Backend 是 HTTP 层依赖的对话服务，*agent.Service 实现了它。
type Backend interface {
	Onboarding(ctx context.Context, thread, message string) (*agent.Reply, error)
	Activity(ctx context.Context, req agent.ActivityRequest) (*agent.Reply, error)
	CloseActivity(ctx context.Context, thread string) (*agent.Reply, error)
	State(ctx context.Context, graphName, thread string) (*agent.Reply, error)
	Catalog() *agent.Catalog
}

type Server struct {
	backend Backend
	log     *zap.Logger
	router  chi.Router
	maxBody int64
}

func New(backend Backend, log *zap.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{backend: backend, log: log, maxBody: defaultMaxRequestBodySize}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RealIP)
	r.Use(s.trace)
	r.Use(s.accessLog)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Get("/activities", s.handleActivities)
	r.Route("/chat", func(r chi.Router) {
		r.Post("/onboarding", s.handleOnboarding)
		r.Post("/activity", s.handleActivity)
		r.Post("/activity/close", s.handleCloseActivity)
		r.Get("/{graph}", s.handleState)
	})
	return r
}

// HTTPServer 返回一个配置好超时的 http.Server。SSE 连接需要长时间写入，所以不设 WriteTimeout。
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
}

// trace 为每个请求分配追踪 id（沿用调用方传入的值），并放进 context 供工具审计使用。
func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(tools.WithTraceID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("trace_id", tools.GetTraceID(r.Context())))
	})
}
