package agent

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// sanitizeHistory 在把历史消息交给模型之前执行：
// 不完整或非法的工具参数统一替换为 {}，否则部分模型会拒绝整段历史。
// 只在需要时复制，已持久化的消息不会被修改。
func sanitizeHistory(input []*schema.Message) []*schema.Message {
	sanitized := input
	changed := false
	for i, m := range input {
		if m == nil {
			continue
		}
		if m.Role != schema.Assistant || len(m.ToolCalls) == 0 {
			continue
		}
		toolCallsChanged := false
		newToolCalls := m.ToolCalls
		for j := range m.ToolCalls {
			args := strings.TrimSpace(m.ToolCalls[j].Function.Arguments)
			if args == "" || args == "null" || !json.Valid([]byte(args)) {
				if !toolCallsChanged {
					newToolCalls = append([]schema.ToolCall(nil), m.ToolCalls...)
					toolCallsChanged = true
				}
				newToolCalls[j].Function.Arguments = "{}"
			}
		}
		if toolCallsChanged {
			if !changed {
				sanitized = append([]*schema.Message(nil), input...)
				changed = true
			}
			nm := *m
			nm.ToolCalls = newToolCalls
			sanitized[i] = &nm
		}
	}
	return sanitized
}

// chatHistory 只保留用户消息和助手文本，Onboarding 的对话不涉及工具。
func chatHistory(input []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(input))
	for _, m := range input {
		if m == nil {
			continue
		}
		switch m.Role {
		case schema.User:
			out = append(out, m)
		case schema.Assistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, m)
			}
		}
	}
	return out
}

// ensureToolCallIDs 为缺少 ID 的工具调用补一个，工具结果消息需要用它关联。
func ensureToolCallIDs(msg *schema.Message) {
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		if msg.ToolCalls[i].Type == "" {
			msg.ToolCalls[i].Type = "function"
		}
	}
}

// extractionInput 为抽取准备消息：上一条助手提问（若有）加上本轮用户消息。
func extractionInput(history []*schema.Message, pending []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(pending)+1)
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m != nil && m.Role == schema.Assistant && len(m.ToolCalls) == 0 && m.Content != "" {
			out = append(out, m)
			break
		}
	}
	return append(out, pending...)
}
