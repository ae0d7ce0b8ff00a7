package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/graph"
	"github.com/wwwzy/CoachAgent/internal/state"
	"github.com/wwwzy/CoachAgent/internal/tools"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	reader := bufio.NewReader(in)

	fmt.Fprintf(out, "进入 CoachAgent 对话模式（%s）。输入 exit/quit 退出，/state 查看状态，/close 结束活动。\n", backend.Title())
	current, err := backend.Load(ctx)
	if err != nil {
		return err
	}
	for _, m := range current.Messages {
		printMessage(out, m)
	}
	if current.Status == state.StatusTerminated {
		fmt.Fprintln(out, "该对话已经结束。")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || strings.TrimSpace(line) == "") {
			if err == io.EOF {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var reply *agent.Reply
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "已退出。")
			return nil
		case "/state":
			if reply, err = backend.Load(ctx); err != nil {
				fmt.Fprintf(out, "读取状态失败: %v\n", err)
				continue
			}
			printState(out, reply)
			continue
		case "/close":
			if reply, err = backend.Close(ctx); err != nil {
				fmt.Fprintf(out, "关闭失败: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "活动已结束。")
			return nil
		}

		// 每次新用户输入生成一个 TraceID，工具审计用它串联
		turnCtx := tools.WithTraceID(ctx, uuid.NewString())
		streamed := false
		if opts.Stream {
			turnCtx = graph.WithEmitter(turnCtx, func(ev graph.Event) {
				if ev.Type != graph.EventMessageChunk {
					return
				}
				if !streamed {
					fmt.Fprint(out, "助手: ")
					streamed = true
				}
				fmt.Fprint(out, ev.Content)
			})
		}

		reply, err = backend.Send(turnCtx, line)
		if err != nil {
			if streamed {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "发生错误：%v\n", err)
			continue
		}

		switch {
		case streamed:
			fmt.Fprintln(out)
		case strings.TrimSpace(reply.Answer) == "":
			fmt.Fprintln(out, "助手: (无文本输出)")
		default:
			fmt.Fprintf(out, "助手: %s\n", strings.TrimSpace(reply.Answer))
		}
		for _, w := range reply.Warnings {
			fmt.Fprintf(out, "(提示: %s)\n", w)
		}
		fmt.Fprintln(out)

		if reply.Status == state.StatusTerminated {
			fmt.Fprintln(out, "对话已完成。")
			return nil
		}
	}
}

func printMessage(w io.Writer, m agent.Message) {
	switch m.Role {
	case "user":
		fmt.Fprintf(w, "你: %s\n", m.Content)
	default:
		fmt.Fprintf(w, "助手: %s\n", m.Content)
	}
}

func printState(w io.Writer, r *agent.Reply) {
	fmt.Fprintf(w, "status=%s seq=%d next=%s\n", r.Status, r.Seq, r.Next)
	for _, k := range r.Data.Keys() {
		fmt.Fprintf(w, "  %s: %v\n", k, r.Data[k])
	}
	if r.Graph == agent.GraphOnboarding {
		fmt.Fprintf(w, "  complete: %v\n", r.Complete)
		if len(r.Missing) > 0 {
			fmt.Fprintf(w, "  missing: %s\n", strings.Join(r.Missing, ", "))
		}
	}
	if r.Activity != nil {
		for _, st := range r.Activity.Steps {
			fmt.Fprintf(w, "  [%s] %d. %s\n", r.Progress[st.Index], st.Index, st.Title)
		}
	}
}
