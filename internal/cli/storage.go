package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/CoachAgent/internal/monitor"
	"github.com/wwwzy/CoachAgent/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、清理旧检查点和审计记录的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

// pruneCmd 立即执行一次检查点清理。
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "清理旧检查点",
	Long:  `每个线程只保留最新的 N 个检查点（至少 1 个，保证线程可以恢复）。默认读取配置文件中的 retention.keep_checkpoints。`,
	RunE:  runPrune,
}

// pruneAuditCmd represents the prune-audit command
var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理工具审计记录",
	Long:  `根据用户指定的保留条数或天数，清理旧的审计记录。`,
	RunE:  runPruneAudit,
}

var (
	infoThreads    int
	keepCheckpoint int
	keepAuditCount int
	keepAuditDays  int
)

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneCmd)
	storageCmd.AddCommand(pruneAuditCmd)

	infoCmd.Flags().IntVar(&infoThreads, "threads", 10, "列出最近活跃的 N 个线程")
	pruneCmd.Flags().IntVar(&keepCheckpoint, "keep", 0, "每个线程保留最近的 N 个检查点（默认使用配置）")
	pruneAuditCmd.Flags().IntVar(&keepAuditCount, "keep", 0, "保留最近的 N 条记录")
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 0, "保留最近 N 天的记录")
}

func newRetention(store *storage.Storage) (*monitor.RetentionCollector, error) {
	ret, err := monitor.NewRetentionCollector(store, log.Named("retention"))
	if err != nil {
		return nil, err
	}
	return ret.WithConfig(cfg.Retention), nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	keep := keepCheckpoint
	if keep <= 0 {
		keep = cfg.Retention.KeepCheckpoints
	}
	if keep < 1 {
		keep = 1
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ret, err := newRetention(store)
	if err != nil {
		return err
	}

	fmt.Printf("Pruning checkpoints, keeping latest %d per thread...\n", keep)
	deleted, err := ret.PruneCheckpoints(ctx, keep)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	fmt.Printf("Prune completed. Deleted %d checkpoints.\n", deleted)

	if count, err := store.CountCheckpoints(ctx); err == nil {
		fmt.Printf("Remaining Checkpoints: %d\n", count)
	}
	return nil
}

func runPruneAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if keepAuditCount <= 0 && keepAuditDays <= 0 {
		_ = cmd.Usage()
		return fmt.Errorf("must specify either --keep or --days")
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var deletedCount int64

	if keepAuditCount > 0 {
		fmt.Printf("Pruning audit records, keeping latest %d records...\n", keepAuditCount)
		count, err := store.DeleteAuditRecordsKeepLatest(ctx, keepAuditCount)
		if err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
		deletedCount += count
	}

	if keepAuditDays > 0 {
		ret, err := newRetention(store)
		if err != nil {
			return err
		}
		before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
		fmt.Printf("Pruning audit records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))
		count, err := ret.PruneAudit(ctx, before)
		if err != nil {
			return fmt.Errorf("prune by days: %w", err)
		}
		deletedCount += count
	}

	fmt.Printf("Prune completed. Deleted %d records.\n", deletedCount)

	if count, err := store.CountAuditRecords(ctx); err == nil {
		fmt.Printf("Remaining Audit Records: %d\n", count)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// 1. 获取数据库文件信息
	var dbSizeStr string
	if cfg.Storage.InMemory {
		dbSizeStr = "In Memory"
	} else {
		dbPath := cfg.Storage.Path
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
		info, err := os.Stat(dbPath)
		switch {
		case os.IsNotExist(err):
			dbSizeStr = "Not Found (Will be created on first run)"
		case err != nil:
			dbSizeStr = fmt.Sprintf("Error: %v", err)
		default:
			sizeMB := float64(info.Size()) / 1024 / 1024
			dbSizeStr = fmt.Sprintf("%.2f MB (%s)", sizeMB, dbPath)
		}
	}

	// 2. 连接数据库
	store, err := openStore(ctx)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		return err
	}
	defer store.Close()

	// 3. 获取统计信息
	cpCount, err := store.CountCheckpoints(ctx)
	if err != nil {
		fmt.Printf("Error counting checkpoints: %v\n", err)
	}
	threadCount, err := store.CountThreads(ctx)
	if err != nil {
		fmt.Printf("Error counting threads: %v\n", err)
	}
	auditCount, err := store.CountAuditRecords(ctx)
	if err != nil {
		fmt.Printf("Error counting audit records: %v\n", err)
	}

	// 4. 格式化输出
	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Checkpoints\t%d\n", cpCount)
	fmt.Fprintf(w, "Threads\t%d\n", threadCount)
	fmt.Fprintf(w, "AuditRecords\t%d\n", auditCount)
	if err := w.Flush(); err != nil {
		return err
	}

	if infoThreads <= 0 {
		return nil
	}
	threads, err := store.ListThreads(ctx, "", infoThreads)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	if len(threads) == 0 {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Thread\tGraph\tSeq\tStatus\tUpdated")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.ThreadID, t.Graph, t.Seq, t.Status, t.WrittenAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
