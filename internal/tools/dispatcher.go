package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/state"
)

// ArgumentError 表示工具参数不合法。它不是致命错误：
// Dispatcher 会把它转成工具结果消息交还给模型，让模型自行修正。
type ArgumentError struct {
	Tool string
	Msg  string
}

func (e *ArgumentError) Error() string {
	if e.Tool == "" {
		return "invalid arguments: " + e.Msg
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Msg)
}

func argErr(tool, format string, a ...any) error {
	return &ArgumentError{Tool: tool, Msg: fmt.Sprintf(format, a...)}
}

// Result 是一次 Dispatch 的结果。
type Result struct {
	// Messages 与请求顺序一一对应的工具结果消息。
	Messages []*schema.Message
	// Progress 为本次被修改的步骤状态。
	Progress state.Progress
	// Invoked 为实际执行的工具名（不含未知工具）。
	Invoked []string
}

// Dispatcher 依次执行一条助手消息里的全部工具调用。
type Dispatcher struct {
	registry *Registry
	log      *zap.Logger
}

func NewDispatcher(r *Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: r, log: log}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch 按请求顺序执行 calls。未知工具和 *ArgumentError 转为工具结果消息；
// 其他错误直接返回，此时 Result 作废，调用方不应保存任何部分结果。
func (d *Dispatcher) Dispatch(ctx context.Context, calls []schema.ToolCall, sc *Scope) (*Result, error) {
	if sc == nil {
		sc = NewScope(nil, nil)
	}
	ctx = WithScope(ctx, sc)

	res := &Result{Messages: make([]*schema.Message, 0, len(calls))}
	for _, call := range calls {
		name := call.Function.Name
		t, ok := d.registry.Get(name)
		if !ok {
			d.log.Warn("model requested unknown tool", zap.String("tool", name), zap.String("thread", GetThreadID(ctx)))
			res.Messages = append(res.Messages, toolMessage(call, fmt.Sprintf("error: unknown tool %q", name)))
			continue
		}

		// 参数 JSON 不完整（例如只有 { ）时补全为 {}
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "{" || args == "" || args == "null" {
			args = "{}"
		}

		out, err := t.InvokableRun(ctx, args)
		res.Invoked = append(res.Invoked, name)
		if err != nil {
			var ae *ArgumentError
			if errors.As(err, &ae) {
				d.log.Debug("tool rejected arguments", zap.String("tool", name), zap.String("err", ae.Msg))
				res.Messages = append(res.Messages, toolMessage(call, "error: "+ae.Error()))
				continue
			}
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		res.Messages = append(res.Messages, toolMessage(call, out))
	}
	res.Progress = sc.Changed()
	return res, nil
}

func toolMessage(call schema.ToolCall, content string) *schema.Message {
	msg := schema.ToolMessage(content, call.ID)
	msg.ToolName = call.Function.Name
	return msg
}
