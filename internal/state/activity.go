package state

import (
	"fmt"
	"sort"
	"strings"
)

// StepStatus 是活动步骤的进度状态。
type StepStatus string

const (
	NotStarted StepStatus = "Not started"
	InProgress StepStatus = "In progress"
	Completed  StepStatus = "Completed"
)

// StepStatuses 为全部合法取值。
var StepStatuses = []StepStatus{NotStarted, InProgress, Completed}

func (s StepStatus) Valid() bool {
	switch s {
	case NotStarted, InProgress, Completed:
		return true
	}
	return false
}

// ParseStepStatus 宽松解析状态字符串（大小写、下划线、连字符、空格均可）。
func ParseStepStatus(v string) (StepStatus, error) {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(v)))
	switch key {
	case "notstarted", "todo", "pending":
		return NotStarted, nil
	case "inprogress", "started", "ongoing":
		return InProgress, nil
	case "completed", "complete", "done", "finished":
		return Completed, nil
	}
	return "", fmt.Errorf("invalid step status %q (expected one of: %s, %s, %s)", v, NotStarted, InProgress, Completed)
}

// Progress 为步骤序号（1-based）→ 状态。
type Progress map[int]StepStatus

func (p Progress) Clone() Progress {
	if p == nil {
		return nil
	}
	out := make(Progress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Indexes 返回排好序的步骤序号。
func (p Progress) Indexes() []int {
	out := make([]int, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Activity 是只读的活动定义。
type Activity struct {
	ID                 string            `json:"id" yaml:"id"`
	Title              string            `json:"title" yaml:"title"`
	Description        string            `json:"description" yaml:"description"`
	OverallObjective   string            `json:"overall_objective" yaml:"overall_objective"`
	Background         Background        `json:"background" yaml:"background"`
	Steps              []ActivityStep    `json:"steps" yaml:"steps"`
	Glossary           map[string]string `json:"glossary,omitempty" yaml:"glossary,omitempty"`
	AlternativeMethods []string          `json:"alternative_methods,omitempty" yaml:"alternative_methods,omitempty"`
}

type Background struct {
	Concepts []string `json:"concepts,omitempty" yaml:"concepts,omitempty"`
	Content  string   `json:"content,omitempty" yaml:"content,omitempty"`
}

type ActivityStep struct {
	Index     int    `json:"index" yaml:"index"`
	Title     string `json:"title" yaml:"title"`
	Content   string `json:"content" yaml:"content"`
	Objective string `json:"step_objective" yaml:"step_objective"`
}

// HasStep 判断序号是否落在活动步骤范围内。
func (a *Activity) HasStep(index int) bool {
	if a == nil {
		return false
	}
	for _, st := range a.Steps {
		if st.Index == index {
			return true
		}
	}
	return false
}

// Validate 检查步骤序号从 1 开始连续编号。
func (a *Activity) Validate() error {
	if a == nil {
		return fmt.Errorf("activity is nil")
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("activity id is required")
	}
	if len(a.Steps) == 0 {
		return fmt.Errorf("activity %s has no steps", a.ID)
	}
	for i, st := range a.Steps {
		if st.Index != i+1 {
			return fmt.Errorf("activity %s: step %d has index %d, want %d", a.ID, i, st.Index, i+1)
		}
	}
	return nil
}

// NewProgress 为活动的每个步骤初始化为 NotStarted。
func NewProgress(a *Activity) Progress {
	p := Progress{}
	if a == nil {
		return p
	}
	for _, st := range a.Steps {
		p[st.Index] = NotStarted
	}
	return p
}
