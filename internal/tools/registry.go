// Package tools 执行模型请求的工具调用，并把结果转换回对话消息。
package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// Registry 是进程级的工具表：工具名 → 实现。构建后只读。
type Registry struct {
	tools map[string]tool.InvokableTool
	infos []*schema.ToolInfo
}

func NewRegistry(ctx context.Context, ts ...tool.InvokableTool) (*Registry, error) {
	r := &Registry{tools: make(map[string]tool.InvokableTool, len(ts))}
	for _, t := range ts {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		if info == nil || info.Name == "" {
			return nil, fmt.Errorf("tool %T has no name", t)
		}
		if _, dup := r.tools[info.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", info.Name)
		}
		r.tools[info.Name] = t
		r.infos = append(r.infos, info)
	}
	return r, nil
}

// Default 返回内置工具集。
func Default(ctx context.Context) (*Registry, error) {
	return NewRegistry(ctx, &ProgressTool{})
}

// WithAudit 返回一个新的 Registry，其中每个工具都包装了审计。sink 为空时原样返回。
func (r *Registry) WithAudit(sink AuditSink, log *zap.Logger) *Registry {
	if sink == nil {
		return r
	}
	out := &Registry{tools: make(map[string]tool.InvokableTool, len(r.tools)), infos: r.infos}
	for name, t := range r.tools {
		out.tools[name] = wrapWithAudit(t, name, sink, log)
	}
	return out
}

// Infos 返回绑定给模型的工具描述，顺序与注册顺序一致。
func (r *Registry) Infos() []*schema.ToolInfo {
	return append([]*schema.ToolInfo(nil), r.infos...)
}

func (r *Registry) Get(name string) (tool.InvokableTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Len() int { return len(r.tools) }
