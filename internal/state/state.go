package state

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Status 表示线程在最近一次检查点上的运行状态。
type Status string

const (
	// StatusRunning 表示一轮对话尚未结束（某一步失败后中断的线程会停在这里）。
	StatusRunning Status = "running"
	// StatusSuspended 表示本轮已结束，等待下一条用户消息。
	StatusSuspended Status = "suspended"
	// StatusTerminated 表示图已经走到终止步骤，线程不再接受消息。
	StatusTerminated Status = "terminated"
)

// ConversationState 是单个线程持久化的全部上下文。
//
// 除 Runtime 外任何组件都不应修改 Messages / Data / Progress，
// 步骤函数只返回 Update，由 Runtime 统一合并。
type ConversationState struct {
	Thread string `json:"thread"`
	Graph  string `json:"graph"`

	// Messages 按对话顺序追加，不重排、不去重。
	Messages []*schema.Message `json:"messages"`

	// Data 为抽取得到的结构化字段（Onboarding 图）。
	Data StructuredData `json:"data,omitempty"`
	// Profile 为只读的用户画像快照（Activity 图开始时注入）。
	Profile StructuredData `json:"profile,omitempty"`

	// Activity 为只读的活动定义，Progress 为 1-based 步骤序号 → 状态。
	Activity *Activity `json:"activity,omitempty"`
	Progress Progress  `json:"progress,omitempty"`

	// Step 为产生该状态的步骤名，Next 为恢复时要执行的步骤名。
	Step   string `json:"step,omitempty"`
	Next   string `json:"next"`
	Status Status `json:"status"`

	// ToolRounds 为本轮中连续请求工具的模型回合数，新一轮开始时清零。
	ToolRounds int `json:"tool_rounds"`
	// Variant 记录最近一次 Chat 使用的提示词变体。
	Variant string `json:"variant,omitempty"`
}

// New 创建一个空的初始状态。
func New(thread, graph, entry string) *ConversationState {
	return &ConversationState{
		Thread:   thread,
		Graph:    graph,
		Messages: make([]*schema.Message, 0),
		Data:     StructuredData{},
		Next:     entry,
		Status:   StatusSuspended,
	}
}

// Clone 返回一个可独立修改的副本。
// 消息一旦追加就不会被修改，所以这里只复制切片，不复制消息本身；Activity 同理。
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append(make([]*schema.Message, 0, len(s.Messages)), s.Messages...)
	out.Data = s.Data.Clone()
	out.Profile = s.Profile.Clone()
	out.Progress = s.Progress.Clone()
	return &out
}

// LastUserMessage 返回最后一条用户消息的内容。
func (s *ConversationState) LastUserMessage() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if m := s.Messages[i]; m != nil && m.Role == schema.User {
			return m.Content
		}
	}
	return ""
}

// LastAssistant 返回最后一条助手消息。
func (s *ConversationState) LastAssistant() *schema.Message {
	if s == nil {
		return nil
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if m := s.Messages[i]; m != nil && m.Role == schema.Assistant {
			return m
		}
	}
	return nil
}

// PendingUserMessages 返回最后一条助手消息之后的所有用户消息（即本轮新输入）。
func (s *ConversationState) PendingUserMessages() []*schema.Message {
	if s == nil {
		return nil
	}
	var out []*schema.Message
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m == nil {
			continue
		}
		if m.Role == schema.Assistant {
			break
		}
		if m.Role == schema.User {
			out = append([]*schema.Message{m}, out...)
		}
	}
	return out
}

// VisibleMessages 返回对外展示的消息：用户消息和带文本的助手消息。
func (s *ConversationState) VisibleMessages() []*schema.Message {
	if s == nil {
		return nil
	}
	out := make([]*schema.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m == nil {
			continue
		}
		switch m.Role {
		case schema.User:
			out = append(out, m)
		case schema.Assistant:
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

// Update 是一个步骤对状态的增量修改。
type Update struct {
	// Messages 追加到末尾。
	Messages []*schema.Message
	// Data 按 supersede 规则逐字段合并。
	Data StructuredData
	// Progress 只覆盖出现的步骤序号。
	Progress Progress

	ToolRounds *int
	Variant    *string
}

// IsEmpty 判断 Update 是否没有任何修改。
func (u Update) IsEmpty() bool {
	return len(u.Messages) == 0 && len(u.Data) == 0 && len(u.Progress) == 0 &&
		u.ToolRounds == nil && u.Variant == nil
}

// Apply 把 Update 合并进状态。
func (s *ConversationState) Apply(u Update) {
	for _, m := range u.Messages {
		if m != nil {
			s.Messages = append(s.Messages, m)
		}
	}
	if len(u.Data) > 0 {
		if s.Data == nil {
			s.Data = StructuredData{}
		}
		MergeData(s.Data, u.Data)
	}
	if len(u.Progress) > 0 {
		if s.Progress == nil {
			s.Progress = Progress{}
		}
		for idx, st := range u.Progress {
			if st.Valid() {
				s.Progress[idx] = st
			}
		}
	}
	if u.ToolRounds != nil {
		s.ToolRounds = *u.ToolRounds
	}
	if u.Variant != nil {
		s.Variant = *u.Variant
	}
}
