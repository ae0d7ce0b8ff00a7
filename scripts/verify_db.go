package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/wwwzy/CoachAgent/internal/storage"
)

func main() {
	path := flag.String("db", "coachagent.db", "sqlite 数据库文件")
	flag.Parse()

	// Connect to the database
	db, err := gorm.Open(sqlite.Open(*path), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying CoachAgent Database ---")

	// Verify checkpoints
	if !db.Migrator().HasTable(&storage.CheckpointRecord{}) {
		fmt.Println("Table 'checkpoints' does not exist yet.")
	} else {
		var total int64
		db.Model(&storage.CheckpointRecord{}).Count(&total)
		fmt.Printf("Total Checkpoints: %d\n", total)

		type perThread struct {
			ThreadID string
			Count    int64
			MaxSeq   int64
		}
		var rows []perThread
		db.Model(&storage.CheckpointRecord{}).
			Select("thread_id, COUNT(*) AS count, MAX(seq) AS max_seq").
			Group("thread_id").
			Order("max_seq desc").
			Limit(20).
			Scan(&rows)
		for _, r := range rows {
			// 序号无空洞时 count 应该等于 max_seq（被清理过的线程除外）
			gap := ""
			if r.Count != r.MaxSeq {
				gap = " (pruned or gapped)"
			}
			fmt.Printf("  %s: %d checkpoints, latest seq %d%s\n", r.ThreadID, r.Count, r.MaxSeq, gap)
		}
	}

	fmt.Println("\n------------------------------------")

	// Verify audit records
	if !db.Migrator().HasTable(&storage.AuditRecord{}) {
		fmt.Println("Table 'audit_records' does not exist yet.")
	} else {
		var auditCount int64
		db.Model(&storage.AuditRecord{}).Count(&auditCount)
		fmt.Printf("Total Audit Records: %d\n", auditCount)

		if auditCount > 0 {
			var recs []storage.AuditRecord
			db.Order("id desc").Limit(5).Find(&recs)
			fmt.Println("Latest 5 Audit Records:")
			for _, r := range recs {
				fmt.Printf("  [%d] %s %s %s\n", r.ID, r.ThreadID, r.Action, r.Status)
			}
		}
	}
}
