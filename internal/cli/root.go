package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/config"
	"github.com/wwwzy/CoachAgent/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "coachagent",
	Short: "CoachAgent 是一个有状态的理财教练对话服务",
	Long: `CoachAgent 通过两张对话图（Onboarding 与 Activity）引导用户：
先收集用户画像，再按步骤完成理财学习活动。每一步都会写入检查点，
进程重启后可以从最近的检查点继续对话。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	defer func() {
		if log != nil {
			_ = log.Sync()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、./configs/config.yaml、$HOME/.coachagent/config.yaml 搜索）")
	rootCmd.PersistentFlags().String("log-level", "", "日志级别: debug/info/warn/error（覆盖配置文件）")
}

// initConfig 读取配置文件和环境变量（如果已设置）。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log, err = logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
}
