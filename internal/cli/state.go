package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/CoachAgent/internal/agent"
)

var (
	stateGraph   string
	stateThread  string
	stateHistory int
)

// stateCmd 打印线程的最新状态，或最近的检查点历史。读取不会推进对话。
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "查看对话线程的状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		if stateThread == "" {
			return fmt.Errorf("--thread 不能为空")
		}
		ctx := context.Background()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if stateHistory > 0 {
			cps, err := a.service.History(ctx, stateGraph, stateThread, stateHistory)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "Seq\tStep\tNext\tStatus\tMessages\tWrittenAt")
			for _, cp := range cps {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					cp.Seq, cp.Step, cp.State.Next, cp.State.Status, len(cp.State.Messages),
					cp.WrittenAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		}

		reply, err := a.service.State(ctx, stateGraph, stateThread)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().StringVar(&stateGraph, "graph", agent.GraphOnboarding, "对话图: onboarding/activity")
	stateCmd.Flags().StringVar(&stateThread, "thread", "", "对话线程 id")
	stateCmd.Flags().IntVar(&stateHistory, "history", 0, "打印最近 N 个检查点而不是最新状态")
}
