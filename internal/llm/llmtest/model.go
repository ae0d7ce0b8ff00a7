// Package llmtest 提供按脚本回放的假模型，用于替换真实的模型能力。
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Reply 是脚本中的一次模型回复；Err 非空时该次调用返回错误。
type Reply struct {
	Message *schema.Message
	Err     error
}

// Text 构造一条纯文本回复。
func Text(content string) Reply {
	return Reply{Message: schema.AssistantMessage(content, nil)}
}

// ToolCall 构造一条只包含单个工具调用的回复。
func ToolCall(id, name, args string) Reply {
	return Reply{Message: schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}})}
}

// Fail 构造一次失败的调用。
func Fail(err error) Reply {
	return Reply{Err: err}
}

type script struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]*schema.Message
	// Fallback 在脚本耗尽后使用；为空时返回错误。
	fallback func(input []*schema.Message) Reply
}

// Model 实现 model.ToolCallingChatModel。WithTools 返回的副本共享同一份脚本。
type Model struct {
	s     *script
	tools []*schema.ToolInfo
}

func New(replies ...Reply) *Model {
	return &Model{s: &script{replies: replies}}
}

// Then 追加脚本。
func (m *Model) Then(replies ...Reply) *Model {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.replies = append(m.s.replies, replies...)
	return m
}

// Otherwise 设置脚本耗尽后的回复生成函数。
func (m *Model) Otherwise(fn func(input []*schema.Message) Reply) *Model {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.fallback = fn
	return m
}

// Calls 返回每次调用收到的输入。
func (m *Model) Calls() [][]*schema.Message {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([][]*schema.Message(nil), m.s.calls...)
}

// CallCount 返回调用次数。
func (m *Model) CallCount() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return len(m.s.calls)
}

// Remaining 返回尚未消费的脚本条数。
func (m *Model) Remaining() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return len(m.s.replies)
}

// Tools 返回绑定到该副本的工具。
func (m *Model) Tools() []*schema.ToolInfo {
	return m.tools
}

func (m *Model) next(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	m.s.calls = append(m.s.calls, append([]*schema.Message(nil), input...))

	var r Reply
	switch {
	case len(m.s.replies) > 0:
		r = m.s.replies[0]
		m.s.replies = m.s.replies[1:]
	case m.s.fallback != nil:
		r = m.s.fallback(input)
	default:
		return nil, fmt.Errorf("llmtest: script exhausted after %d calls", len(m.s.calls))
	}
	if r.Err != nil {
		return nil, r.Err
	}
	// 返回副本，调用方追加到状态后不会和脚本共享
	msg := *r.Message
	msg.ToolCalls = append([]schema.ToolCall(nil), r.Message.ToolCalls...)
	return &msg, nil
}

func (m *Model) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return m.next(ctx, input)
}

// Stream 把文本按空格切成多个分片返回，工具调用放在最后一个分片。
func (m *Model) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.next(ctx, input)
	if err != nil {
		return nil, err
	}
	var chunks []*schema.Message
	words := strings.SplitAfter(msg.Content, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: w})
	}
	if len(chunks) == 0 {
		chunks = append(chunks, &schema.Message{Role: schema.Assistant})
	}
	chunks[len(chunks)-1].ToolCalls = msg.ToolCalls
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *Model) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return &Model{s: m.s, tools: tools}, nil
}
