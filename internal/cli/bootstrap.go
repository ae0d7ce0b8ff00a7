package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/wwwzy/CoachAgent/internal/agent"
	"github.com/wwwzy/CoachAgent/internal/checkpoint"
	"github.com/wwwzy/CoachAgent/internal/llm"
	"github.com/wwwzy/CoachAgent/internal/storage"
)

// app 汇总一次命令执行需要的依赖。
type app struct {
	store   *storage.Storage
	service *agent.Service
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// openStore 按配置打开数据库。
func openStore(ctx context.Context) (*storage.Storage, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

// loadCatalog 读取活动目录；文件不存在时返回空目录，此时只有 Onboarding 可用。
func loadCatalog() (*agent.Catalog, error) {
	path := cfg.Agent.ActivitiesFile
	if path == "" {
		log.Warn("未配置 agent.activities_file，活动目录为空")
		return agent.NewCatalog()
	}
	c, err := agent.LoadCatalog(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("活动目录文件不存在，活动目录为空", zap.String("path", path))
		return agent.NewCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("读取活动目录失败: %w", err)
	}
	log.Info("活动目录已加载", zap.String("path", path), zap.Int("activities", c.Len()))
	return c, nil
}

// buildApp 组装 存储 -> 检查点 -> 模型 -> 业务服务。
func buildApp(ctx context.Context) (*app, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: store}

	cps, err := checkpoint.NewSQLStore(store)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	m, err := llm.New(ctx, cfg.LLMSettings())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("创建模型失败: %w", err)
	}

	catalog, err := loadCatalog()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.service, err = agent.NewService(m, cps, catalog, cfg.Agent.Service(),
		agent.WithLogger(log),
		agent.WithAudit(store),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("创建对话服务失败: %w", err)
	}
	return a, nil
}
