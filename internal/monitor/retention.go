package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wwwzy/CoachAgent/internal/storage"
)

// RetentionCollector 定期清理历史检查点和过期审计记录。
// 每个线程的最新检查点永远不会被删除，恢复对话只依赖它。
type RetentionCollector struct {
	cfg RetentionConfig
	log *zap.Logger

	store *storage.Storage
}

func NewRetentionCollector(store *storage.Storage, log *zap.Logger) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RetentionCollector{cfg: DefaultConfig().Retention.withDefaults(), store: store, log: log}, nil
}

// WithConfig 替换清理策略；由 Manager 启动时也会覆盖为 Manager 的配置。
func (c *RetentionCollector) WithConfig(cfg RetentionConfig) *RetentionCollector {
	if c == nil {
		return nil
	}
	c.cfg = cfg.withDefaults()
	return c
}

// PruneReport 为一次清理的删除行数。
type PruneReport struct {
	Checkpoints int64
	Audit       int64
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

// RunOnce 并发执行一轮清理任务，返回删除的行数。
func (c *RetentionCollector) RunOnce(ctx context.Context, now time.Time) (PruneReport, error) {
	var report PruneReport
	if c == nil || c.store == nil {
		return report, errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	g.Go(func() error {
		n, err := c.PruneCheckpoints(gctx, c.cfg.KeepCheckpoints)
		report.Checkpoints = n
		return err
	})
	if cutoff, ok := c.cfg.AuditCutoff(now); ok {
		g.Go(func() error {
			n, err := c.PruneAudit(gctx, cutoff)
			report.Audit = n
			return err
		})
	}

	if err := g.Wait(); err != nil {
		c.cfg.OnError(err)
		return report, err
	}
	if report.Checkpoints > 0 || report.Audit > 0 {
		c.log.Info("retention pruned rows",
			zap.Int64("checkpoints", report.Checkpoints), zap.Int64("audit", report.Audit))
	}
	return report, nil
}

// PruneCheckpoints 每个线程只保留最新 keep 个检查点，分批删除直到没有可删的行。
func (c *RetentionCollector) PruneCheckpoints(ctx context.Context, keep int) (int64, error) {
	return c.drain(ctx, func(ctx context.Context) (int64, error) {
		return c.store.DeleteCheckpointsKeepLatestLimited(ctx, keep, c.cfg.BatchRows)
	})
}

// PruneAudit 删除 before 之前写入的审计记录。
func (c *RetentionCollector) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	return c.drain(ctx, func(ctx context.Context) (int64, error) {
		return c.store.DeleteAuditRecordsBeforeLimited(ctx, before, c.cfg.BatchRows)
	})
}

func (c *RetentionCollector) drain(ctx context.Context, batch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := batch(ctx)
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			return total, nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
