package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/tui"
	"github.com/wwwzy/CoachAgent/internal/ui"
)

var (
	chatUI         string
	chatGraph      string
	chatThread     string
	chatActivity   string
	chatProfile    string
	chatStream     bool
	chatListActivs bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `在终端里和 CoachAgent 对话。
--graph onboarding 收集用户画像；--graph activity 需要配合 --activity 指定活动。
使用相同的 --thread 可以继续之前的对话。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if chatListActivs {
			for _, act := range a.service.Catalog().List() {
				fmt.Printf("%s\t%s (%d 步)\n", act.ID, act.Title, len(act.Steps))
			}
			return nil
		}

		switch chatGraph {
		case agent.GraphOnboarding:
		case agent.GraphActivity:
			if chatActivity == "" {
				return fmt.Errorf("--graph activity 需要指定 --activity")
			}
			if _, err := a.service.Catalog().Get(chatActivity); err != nil {
				return err
			}
		default:
			return fmt.Errorf("未知对话图: %s (支持: onboarding, activity)", chatGraph)
		}

		thread := chatThread
		if thread == "" {
			thread = uuid.NewString()
			fmt.Fprintf(cmd.ErrOrStderr(), "新对话线程: %s（使用 --thread %s 继续）\n", thread, thread)
		}

		session := &ui.Session{
			Service:       a.service,
			Graph:         chatGraph,
			Thread:        thread,
			ActivityID:    chatActivity,
			ProfileThread: chatProfile,
		}

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		return uiImpl.Run(ctx, session, ui.ChatOptions{Stream: chatStream})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().StringVar(&chatGraph, "graph", agent.GraphOnboarding, "对话图: onboarding/activity")
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "对话线程 id（为空时新建）")
	chatCmd.Flags().StringVar(&chatActivity, "activity", "", "活动 id（--graph activity 时必填）")
	chatCmd.Flags().StringVar(&chatProfile, "profile", "", "Onboarding 线程 id，用其中的用户画像个性化活动")
	chatCmd.Flags().BoolVar(&chatStream, "stream", true, "逐块输出助手回复")
	chatCmd.Flags().BoolVar(&chatListActivs, "list-activities", false, "列出可用活动后退出")
}
