// Package extract 把模型的自由文本输出转换成经过校验的结构化字段。
//
// Adapter 是不可靠的模型输出和强类型状态之间的边界：
// 校验失败会带着具体错误让模型修复，重试耗尽则整体放弃，已确认的字段不受影响。
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/state"
)

const systemTemplate = `You extract structured profile information from a conversation.
Call the tool "{tool}" with ONLY the fields that the latest user message(s) state or clearly imply.
Never repeat or guess values that the user did not provide in these messages, omit those fields instead.
Use the exact enum spellings listed in the tool schema.

Fields:
{fields}

Already known data (do not repeat unless the user changes it):
{existing}`

type Option func(*Adapter)

func WithPolicy(p Policy) Option {
	return func(a *Adapter) { a.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

type Adapter struct {
	model    model.ToolCallingChatModel
	schema   Schema
	policy   Policy
	template prompt.ChatTemplate
	log      *zap.Logger
}

// NewAdapter 把 Schema 作为工具绑定到模型上。
func NewAdapter(m model.ToolCallingChatModel, s Schema, opts ...Option) (*Adapter, error) {
	if m == nil {
		return nil, errors.New("extract: model is required")
	}
	if s.Name == "" || len(s.Fields) == 0 {
		return nil, errors.New("extract: schema needs a name and at least one field")
	}
	if err := s.CheckRequired(s.Required); err != nil {
		return nil, err
	}
	bound, err := m.WithTools([]*schema.ToolInfo{s.ToolInfo()})
	if err != nil {
		return nil, fmt.Errorf("extract: bind schema tool: %w", err)
	}
	a := &Adapter{
		model:  bound,
		schema: s,
		policy: Policy{MaxAttempts: DefaultMaxAttempts},
		template: prompt.FromMessages(schema.FString,
			schema.SystemMessage(systemTemplate),
			schema.MessagesPlaceholder("messages", false),
		),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Schema() Schema { return a.schema }

// Result 是一次成功抽取的结果。
type Result struct {
	// Delta 为本次抽取到的、已校验的字段。
	Delta state.StructuredData
	// Data 为按 supersede 规则合并后的完整数据（existing 不会被修改）。
	Data     state.StructuredData
	Attempts int
}

// Extract 对 messages 做一次结构化抽取。
// 返回 *ValidationError（errors.Is ErrExtractionValidation）时 existing 保持不变；
// 模型错误原样返回。
func (a *Adapter) Extract(ctx context.Context, existing state.StructuredData, messages []*schema.Message) (*Result, error) {
	base, err := a.template.Format(ctx, map[string]any{
		"tool":     a.schema.Name,
		"fields":   describeFields(a.schema),
		"existing": renderExisting(existing),
		"messages": messages,
	})
	if err != nil {
		return nil, fmt.Errorf("format extraction prompt: %w", err)
	}

	var lastReply *schema.Message
	delta, attempts, err := Retry(ctx, a.policy, func(ctx context.Context, n int, last []Violation) (state.StructuredData, []Violation, error) {
		input := base
		if n > 1 {
			input = append(append([]*schema.Message(nil), base...), repairMessages(a.schema.Name, n, lastReply, last)...)
		}
		reply, err := a.model.Generate(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		lastReply = reply

		payload, perr := payloadFrom(reply, a.schema.Name)
		if perr != nil {
			v := []Violation{{Message: perr.Error()}}
			a.log.Debug("extraction payload missing", zap.Int("attempt", n), zap.String("err", perr.Error()))
			return nil, v, nil
		}
		data, violations := a.schema.Validate(payload)
		if len(violations) > 0 {
			a.log.Debug("extraction payload invalid", zap.Int("attempt", n), zap.Int("violations", len(violations)))
		}
		return data, violations, nil
	})
	if err != nil {
		return nil, err
	}

	merged := existing.Clone()
	if merged == nil {
		merged = state.StructuredData{}
	}
	state.MergeData(merged, delta)
	return &Result{Delta: delta, Data: merged, Attempts: attempts}, nil
}

// 修复提示逐次加码：第二次指出错误，之后要求只保留有把握的字段。
func repairMessages(tool string, attempt int, prev *schema.Message, violations []Violation) []*schema.Message {
	var b strings.Builder
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v.String())
		b.WriteString("\n")
	}

	var text string
	if attempt == 2 {
		text = fmt.Sprintf("Your previous extraction was invalid:\n%sCall %q again with corrected values.", b.String(), tool)
	} else {
		text = fmt.Sprintf("Attempt %d. The extraction is still invalid:\n%sCall %q again. Use only the allowed enum values and JSON types. Omit any field you are not certain about.", attempt, b.String(), tool)
	}

	out := make([]*schema.Message, 0, 2)
	if prev != nil {
		// 不回放工具调用本身，避免出现没有对应结果的 tool call
		content := prev.Content
		if len(prev.ToolCalls) > 0 {
			content = prev.ToolCalls[0].Function.Arguments
		}
		out = append(out, schema.AssistantMessage(content, nil))
	}
	out = append(out, schema.UserMessage(text))
	return out
}

// payloadFrom 优先读取同名工具调用的参数，其次尝试从文本中解析 JSON 对象。
func payloadFrom(msg *schema.Message, tool string) (map[string]any, error) {
	if msg == nil {
		return nil, errors.New("empty model response")
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == tool || tc.Function.Name == "" {
			return decodeObject(tc.Function.Arguments)
		}
	}
	if len(msg.ToolCalls) > 0 {
		return decodeObject(msg.ToolCalls[0].Function.Arguments)
	}
	return decodeObject(msg.Content)
}

func decodeObject(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, errors.New("response did not contain a JSON object")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %v", err)
	}
	return out, nil
}

func describeFields(s Schema) string {
	var b strings.Builder
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "- %s (%s)", f.Name, f.Type)
		if len(f.Enum) > 0 {
			fmt.Fprintf(&b, " one of [%s]", strings.Join(f.Enum, ", "))
		}
		if f.Desc != "" {
			fmt.Fprintf(&b, ": %s", f.Desc)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderExisting(d state.StructuredData) string {
	if len(d.Keys()) == 0 {
		return "(none)"
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "(none)"
	}
	return string(raw)
}
