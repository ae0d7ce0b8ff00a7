package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/monitor"
	"github.com/wwwzy/CoachAgent/internal/server"
)

var serveAddr string

// serveCmd 代表 serve 命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 CoachAgent HTTP 服务",
	Long: `启动 HTTP 服务，对外提供 Onboarding / Activity 两张对话图的流式接口，
同时在后台按 retention 配置定期清理旧的检查点和审计记录。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 2. 初始化存储与对话服务
		log.Info("正在初始化对话服务...", zap.String("db", cfg.Storage.Path))
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		// 3. 后台清理任务
		mgr, err := monitor.NewManager(monitor.Config{Retention: cfg.Retention}, log.Named("retention"))
		if err != nil {
			return fmt.Errorf("创建后台任务管理器失败: %w", err)
		}
		ret, err := monitor.NewRetentionCollector(a.store, log.Named("retention"))
		if err != nil {
			return fmt.Errorf("创建 retention 任务失败: %w", err)
		}
		mgr.WithRetention(ret)
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动后台任务失败: %w", err)
		}

		// 4. HTTP 服务
		srv, err := server.New(a.service, log.Named("http"))
		if err != nil {
			return err
		}
		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		httpSrv := srv.HTTPServer(addr)

		errCh := make(chan error, 1)
		go func() {
			log.Info("CoachAgent 已启动", zap.String("addr", addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		// 5. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		var serveErr error
		select {
		case sig := <-sigChan:
			log.Info("收到信号，正在关闭...", zap.String("signal", sig.String()))
		case err, ok := <-errCh:
			if ok {
				serveErr = fmt.Errorf("http 服务异常退出: %w", err)
			}
		}

		// 6. 优雅停止：先停止接收请求，等进行中的对话写完检查点
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http 服务关闭超时", zap.Error(err))
		}

		mgr.Stop()
		if err := mgr.Wait(); err != nil {
			log.Error("后台任务停止时发生错误", zap.Error(err))
		}

		log.Info("关闭完成")
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址（覆盖 server.addr）")
}
