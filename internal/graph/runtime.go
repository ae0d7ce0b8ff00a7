package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/checkpoint"
	"github.com/wwwzy/CoachAgent/internal/state"
)

const DefaultMaxSteps = 32

// Input 是一次调用的外部输入。
type Input struct {
	// Message 为新的用户消息，为空表示只读取状态。
	Message string
	// Close 为外部关闭信号，线程直接进入 Definition.CloseTo。
	Close bool
	// Seed 只在线程还没有任何检查点时调用，用于注入初始状态（例如活动定义）。
	Seed func(s *state.ConversationState) error
}

// Outcome 是一次调用结束时的状态。
type Outcome struct {
	State *state.ConversationState
	// Seq 为最新检查点序号，0 表示线程还没有写过检查点。
	Seq int64
	// Steps 为本次执行的步骤数，0 表示只读。
	Steps    int
	Warnings []error
}

type Option func(*Runtime)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMaxSteps 限制单次调用最多执行的步骤数。
func WithMaxSteps(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// Runtime 按 Definition 推进单个线程。它本身无状态，可被多个请求并发使用；
// 同一线程的串行化由检查点存储的乐观序号保证。
type Runtime struct {
	def      *Definition
	store    checkpoint.Store
	log      *zap.Logger
	maxSteps int
}

func NewRuntime(def *Definition, store checkpoint.Store, opts ...Option) (*Runtime, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	r := &Runtime{def: def, store: store, log: zap.NewNop(), maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("graph", def.Name))
	return r, nil
}

func (r *Runtime) Definition() *Definition { return r.def }

// History 返回线程最近 limit 个检查点（升序）。
func (r *Runtime) History(ctx context.Context, thread string, limit int) ([]*checkpoint.Checkpoint, error) {
	return r.store.List(ctx, thread, limit)
}

// Run 加载线程最新检查点（没有则新建），追加用户消息，然后逐步执行直到挂起或终止。
//
// 步骤失败时返回 *StepFailure，失败步骤的修改不会写入；之前已经写入的步骤保持不变，
// 线程停在 running 状态，用同一条消息（或空消息）重试会从失败的步骤继续。
// 工具循环或步数超限是例外：本轮直接结束，线程回到 suspended，可以接受新消息。
func (r *Runtime) Run(ctx context.Context, thread string, in Input) (*Outcome, error) {
	if thread == "" {
		return nil, checkpoint.ErrEmptyThread
	}
	cur, seq, err := r.load(ctx, thread, in.Seed)
	if err != nil {
		return nil, err
	}
	if in.Close {
		return r.close(ctx, cur, seq)
	}

	msg := strings.TrimSpace(in.Message)
	switch cur.Status {
	case state.StatusTerminated:
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrThreadTerminated, thread)
		}
		return &Outcome{State: cur, Seq: seq}, nil

	case state.StatusRunning:
		if msg != "" && msg != pendingMessage(cur) {
			return nil, fmt.Errorf("%w: thread %s stopped at step %s", ErrTurnPending, thread, cur.Next)
		}
		r.log.Info("resuming interrupted turn", zap.String("thread", thread), zap.String("step", cur.Next), zap.Int64("seq", seq))
		return r.advance(ctx, cur, seq, true)

	default:
		if msg == "" {
			return &Outcome{State: cur, Seq: seq}, nil
		}
		cur = cur.Clone()
		cur.Messages = append(cur.Messages, schema.UserMessage(msg))
		cur.Next = r.def.Entry
		cur.Status = state.StatusRunning
		cur.ToolRounds = 0
	}
	return r.advance(ctx, cur, seq, false)
}

// Load 只读取线程状态，不执行任何步骤。
// 停在 running 状态的线程也不会被恢复，恢复需要显式调用 Run。
func (r *Runtime) Load(ctx context.Context, thread string) (*Outcome, error) {
	if thread == "" {
		return nil, checkpoint.ErrEmptyThread
	}
	cur, seq, err := r.load(ctx, thread, nil)
	if err != nil {
		return nil, err
	}
	return &Outcome{State: cur, Seq: seq}, nil
}

func (r *Runtime) load(ctx context.Context, thread string, seed func(*state.ConversationState) error) (*state.ConversationState, int64, error) {
	cp, err := r.store.LoadLatest(ctx, thread)
	if err != nil {
		return nil, 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil {
		if cp.State.Graph != "" && cp.State.Graph != r.def.Name {
			return nil, 0, fmt.Errorf("thread %s belongs to graph %s, not %s", thread, cp.State.Graph, r.def.Name)
		}
		return cp.State, cp.Seq, nil
	}
	st := state.New(thread, r.def.Name, r.def.Entry)
	if seed != nil {
		if err := seed(st); err != nil {
			return nil, 0, err
		}
	}
	return st, 0, nil
}

// persisted 表示 cur 与最新检查点一致（恢复中断的一轮时为 true）。
func (r *Runtime) advance(ctx context.Context, cur *state.ConversationState, seq int64, persisted bool) (*Outcome, error) {
	out := &Outcome{}
	thread := cur.Thread
	// 调用方断开时，正在执行的步骤允许跑完；只在步骤之间检查取消。
	stepCtx := context.WithoutCancel(ctx)

	for cur.Status == state.StatusRunning {
		name := cur.Next
		fail := func(err error) (*Outcome, error) {
			r.log.Warn("step failed",
				zap.String("thread", thread), zap.String("step", name),
				zap.Int64("seq", seq), zap.Error(err))
			if persisted && endsTurn(err) {
				seq = r.endTurn(stepCtx, cur, name, seq)
			}
			return nil, &StepFailure{Thread: thread, Step: name, LastSeq: seq, Err: err}
		}

		if out.Steps >= r.maxSteps {
			return fail(fmt.Errorf("%w (%d)", ErrMaxSteps, r.maxSteps))
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		fn, ok := r.def.Steps[name]
		if !ok {
			return fail(fmt.Errorf("unknown step %q", name))
		}

		res, err := fn(stepCtx, cur.Clone())
		if err != nil {
			return fail(err)
		}

		next := cur.Clone()
		next.Apply(res.Update)
		next.Step = name
		if err := r.route(next, name, res); err != nil {
			return fail(err)
		}

		cp, err := r.store.Append(stepCtx, thread, seq, next)
		if err != nil {
			return fail(err)
		}
		seq = cp.Seq
		cur = next
		persisted = true
		out.Steps++
		out.Warnings = append(out.Warnings, res.Warnings...)

		r.log.Debug("step done",
			zap.String("thread", thread), zap.String("step", name),
			zap.String("next", cur.Next), zap.String("status", string(cur.Status)),
			zap.Int64("seq", seq))
		Emit(ctx, Event{
			Type:   EventStep,
			Thread: thread,
			Step:   name,
			Seq:    seq,
			Data:   map[string]string{"next": cur.Next, "status": string(cur.Status)},
		})
	}

	out.State = cur
	out.Seq = seq
	return out, nil
}

// endsTurn 判断失败是否只结束本轮：重试同一条消息仍会撞上同样的上限。
func endsTurn(err error) bool {
	return errors.Is(err, ErrToolLoopExceeded) || errors.Is(err, ErrMaxSteps)
}

// endTurn 在最新检查点之上追加一个 suspended 快照并清零工具回合计数，
// 之前的检查点不变。写入失败时线程保持 running，返回原来的序号。
func (r *Runtime) endTurn(ctx context.Context, cur *state.ConversationState, step string, seq int64) int64 {
	next := cur.Clone()
	next.Step = step
	next.Status = state.StatusSuspended
	next.Next = r.def.Entry
	next.ToolRounds = 0
	cp, err := r.store.Append(ctx, cur.Thread, seq, next)
	if err != nil {
		r.log.Warn("end turn failed", zap.String("thread", cur.Thread), zap.Int64("seq", seq), zap.Error(err))
		return seq
	}
	return cp.Seq
}

// route 根据信号和路由函数设置 next.Next / next.Status。
func (r *Runtime) route(next *state.ConversationState, step string, res Result) error {
	var target string
	switch res.Signal {
	case SignalSuspend:
		target = Suspend
	case SignalTerminate:
		target = r.def.CloseTo
		if target == "" {
			target = r.def.Terminal[0]
		}
	default:
		target = res.Next
		if target == "" {
			target = r.def.Routes[step](next)
		}
	}

	switch {
	case target == Suspend:
		next.Status = state.StatusSuspended
		next.Next = r.def.Entry
	case r.def.IsTerminal(target):
		next.Status = state.StatusTerminated
		next.Next = target
	default:
		if _, ok := r.def.Steps[target]; !ok {
			return fmt.Errorf("step %s routed to unknown step %q", step, target)
		}
		next.Status = state.StatusRunning
		next.Next = target
	}
	return nil
}

func (r *Runtime) close(ctx context.Context, cur *state.ConversationState, seq int64) (*Outcome, error) {
	if r.def.CloseTo == "" {
		return nil, fmt.Errorf("graph %s does not accept close", r.def.Name)
	}
	if seq == 0 {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, cur.Thread)
	}
	if cur.Status == state.StatusTerminated {
		return &Outcome{State: cur, Seq: seq}, nil
	}

	next := cur.Clone()
	next.Step = r.def.CloseTo
	next.Next = r.def.CloseTo
	next.Status = state.StatusTerminated
	cp, err := r.store.Append(context.WithoutCancel(ctx), cur.Thread, seq, next)
	if err != nil {
		return nil, &StepFailure{Thread: cur.Thread, Step: r.def.CloseTo, LastSeq: seq, Err: err}
	}
	r.log.Info("thread closed", zap.String("thread", cur.Thread), zap.Int64("seq", cp.Seq))
	Emit(ctx, Event{
		Type:   EventStep,
		Thread: cur.Thread,
		Step:   r.def.CloseTo,
		Seq:    cp.Seq,
		Data:   map[string]string{"next": next.Next, "status": string(next.Status)},
	})
	return &Outcome{State: next, Seq: cp.Seq, Steps: 1}, nil
}

// pendingMessage 返回中断的那一轮的用户消息。
// 工具循环中最后一条助手消息可能在用户消息之后，所以不能只看未回复的消息。
func pendingMessage(s *state.ConversationState) string {
	return strings.TrimSpace(s.LastUserMessage())
}
