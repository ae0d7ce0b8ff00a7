// Package graph 是一个小型的状态机运行时：固定的命名步骤、按状态确定的路由、
// 每一步之后写检查点。Onboarding 和 Activity 两张图都是它的配置，而不是独立的引擎。
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wwwzy/CoachAgent/internal/state"
)

// Suspend 是路由函数的特殊返回值：本轮结束，等待下一条用户消息。
const Suspend = "__suspend__"

var (
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
	ErrThreadTerminated = errors.New("thread is terminated")
	ErrThreadNotFound   = errors.New("thread not found")
	ErrMaxSteps         = errors.New("max steps exceeded")
	// ErrTurnPending 表示线程上一轮中途失败，需要先用同一条消息（或空消息）重试。
	ErrTurnPending = errors.New("previous turn is still pending")
)

// Signal 是步骤返回的控制信号。
type Signal int

const (
	// SignalContinue 交给路由函数（或 Result.Next）决定下一步。
	SignalContinue Signal = iota
	SignalSuspend
	SignalTerminate
)

// Result 是单个步骤的输出。
type Result struct {
	Update state.Update
	Signal Signal
	// Next 为可选的跳转提示，非空时跳过路由函数。
	Next string
	// Warnings 为步骤内部已恢复的错误（例如抽取校验失败），会透传给调用方。
	Warnings []error
}

// StepFunc 是一个步骤。传入的状态是副本，步骤只能通过返回的 Update 修改状态。
type StepFunc func(ctx context.Context, s *state.ConversationState) (Result, error)

// RouteFunc 根据合并后的状态选择下一步：步骤名、终止步骤名或 Suspend。
type RouteFunc func(s *state.ConversationState) string

// Definition 是静态的图定义，进程启动后不再修改。
type Definition struct {
	Name  string
	Entry string
	// Terminal 为终止步骤，它们没有步骤函数，到达即结束。
	Terminal []string
	Steps    map[string]StepFunc
	Routes   map[string]RouteFunc
	// CloseTo 为外部关闭信号到达的终止步骤，为空表示不支持关闭。
	CloseTo string
}

func (d *Definition) IsTerminal(name string) bool {
	for _, t := range d.Terminal {
		if t == name {
			return true
		}
	}
	return false
}

// StepNames 返回排好序的步骤名（不含终止步骤）。
func (d *Definition) StepNames() []string {
	out := make([]string, 0, len(d.Steps))
	for name := range d.Steps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Definition) Validate() error {
	if d == nil {
		return errors.New("graph definition is nil")
	}
	if d.Name == "" {
		return errors.New("graph name is required")
	}
	if _, ok := d.Steps[d.Entry]; !ok {
		return fmt.Errorf("graph %s: entry step %q is not defined", d.Name, d.Entry)
	}
	if len(d.Terminal) == 0 {
		return fmt.Errorf("graph %s: at least one terminal step is required", d.Name)
	}
	for _, t := range d.Terminal {
		if _, ok := d.Steps[t]; ok {
			return fmt.Errorf("graph %s: terminal step %q must not have a step function", d.Name, t)
		}
		if t == Suspend {
			return fmt.Errorf("graph %s: %q is reserved", d.Name, Suspend)
		}
	}
	for name, fn := range d.Steps {
		if fn == nil {
			return fmt.Errorf("graph %s: step %q has nil function", d.Name, name)
		}
		if d.Routes[name] == nil {
			return fmt.Errorf("graph %s: step %q has no route", d.Name, name)
		}
	}
	for name := range d.Routes {
		if _, ok := d.Steps[name]; !ok {
			return fmt.Errorf("graph %s: route for unknown step %q", d.Name, name)
		}
	}
	if d.CloseTo != "" && !d.IsTerminal(d.CloseTo) {
		return fmt.Errorf("graph %s: close target %q is not terminal", d.Name, d.CloseTo)
	}
	return nil
}

// StepFailure 表示某一步失败，本步骤的任何修改都没有被持久化。
// LastSeq 为最近一次成功写入的检查点序号，重试会从这里继续。
type StepFailure struct {
	Thread  string
	Step    string
	LastSeq int64
	Err     error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed on thread %s (last checkpoint %d): %v", e.Step, e.Thread, e.LastSeq, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }
