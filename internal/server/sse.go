package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/graph"
)

const (
	eventState = "state"
	eventError = "error"
	eventDone  = "done"
)

// sseWriter 在写第一个事件时才发送响应头：
// 运行在产生任何输出之前失败时，调用方仍可以返回普通的 JSON 错误和对应状态码。
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	log     *zap.Logger
	started bool
	// broken 表示客户端已断开，后续事件直接丢弃；运行本身会继续到下一个检查点。
	broken bool
}

func newSSEWriter(w http.ResponseWriter, log *zap.Logger) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher, log: log}, true
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) send(event string, payload any) {
	if s.broken {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal sse payload", zap.String("event", event), zap.Error(err))
		return
	}
	s.start()
	if err := writeSSE(s.w, event, string(data)); err != nil {
		s.log.Warn("failed to write sse event", zap.String("event", event), zap.Error(err))
		s.broken = true
		return
	}
	s.flusher.Flush()
}

// emitter 把运行时事件转成同名 SSE 事件。
func (s *sseWriter) emitter() graph.Emitter {
	return func(ev graph.Event) {
		s.send(string(ev.Type), ev)
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
