package tools

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/storage"
)

const (
	auditTruncateLimit = 2048
)

// AuditSink 是审计记录的落地端，*storage.Storage 实现了它。
type AuditSink interface {
	InsertAuditRecord(ctx context.Context, rec *storage.AuditRecord) error
	UpdateAuditRecord(ctx context.Context, id uint64, up storage.AuditUpdate) error
}

// AuditedTool 是一个工具包装器，用于在工具执行前后记录审计日志
type AuditedTool struct {
	impl tool.InvokableTool
	name string
	sink AuditSink
	log  *zap.Logger
}

func wrapWithAudit(t tool.InvokableTool, name string, sink AuditSink, log *zap.Logger) tool.InvokableTool {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditedTool{impl: t, name: name, sink: sink, log: log}
}

func (t *AuditedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.impl.Info(ctx)
}

func (t *AuditedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	record := &storage.AuditRecord{
		TraceID:    GetTraceID(ctx),
		ThreadID:   GetThreadID(ctx),
		Action:     t.name,
		ParamsJSON: truncate(argumentsInJSON, auditTruncateLimit),
		Status:     storage.AuditStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	// 审计失败只记日志，不阻断工具执行
	if err := t.sink.InsertAuditRecord(ctx, record); err != nil {
		t.log.Warn("failed to insert audit record", zap.String("tool", t.name), zap.Error(err))
	}

	result, runErr := t.impl.InvokableRun(ctx, argumentsInJSON, opts...)

	// 只有在 Insert 成功且有了 ID 后，才能 Update
	if record.ID == 0 {
		return result, runErr
	}
	finishedAt := time.Now().UTC()
	status := storage.AuditStatusSuccess
	update := storage.AuditUpdate{Status: &status, FinishedAt: &finishedAt}
	if runErr != nil {
		status = storage.AuditStatusFailed
		e := truncate(runErr.Error(), auditTruncateLimit)
		update.ErrorMessage = &e
	} else {
		r := truncate(result, auditTruncateLimit)
		update.ResultJSON = &r
	}
	if err := t.sink.UpdateAuditRecord(ctx, record.ID, update); err != nil {
		t.log.Warn("failed to update audit record", zap.String("tool", t.name), zap.Uint64("id", record.ID), zap.Error(err))
	}
	return result, runErr
}

// truncate 按字节截断，截断点回退到 rune 边界，避免写入非法 UTF-8。
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
