package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "coachagent.db")
	s, err := Open(ctx, Config{
		Path:         dbPath,
		EnableWAL:    true,
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendN(t *testing.T, s *Storage, thread string, n int, writtenAt time.Time) {
	t.Helper()
	ctx := context.Background()

	latest, err := s.LatestCheckpoint(ctx, thread)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	var base int64
	if latest != nil {
		base = latest.Seq
	}
	for i := 0; i < n; i++ {
		rec := &CheckpointRecord{
			ThreadID:  thread,
			Graph:     "onboarding",
			Step:      "chat",
			Status:    "suspended",
			StateJSON: fmt.Sprintf(`{"n":%d}`, i),
			WrittenAt: writtenAt,
		}
		if err := s.AppendCheckpoint(ctx, rec, base); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		base = rec.Seq
	}
}

func TestCheckpointAppendAndLatest(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	got, err := s.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest on empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no checkpoint, got seq=%d", got.Seq)
	}

	appendN(t, s, "t1", 3, time.Now().UTC())

	got, err = s.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || got.Seq != 3 {
		t.Fatalf("expected latest seq 3, got %+v", got)
	}
	if got.StateJSON != `{"n":2}` {
		t.Fatalf("unexpected state json: %s", got.StateJSON)
	}

	all, err := s.QueryCheckpoints(ctx, CheckpointQuery{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for i, rec := range all {
		if rec.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at %d, got %d", i+1, i, rec.Seq)
		}
	}
}

func TestCheckpointAppendStaleBase(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	appendN(t, s, "t1", 2, time.Now().UTC())

	err := s.AppendCheckpoint(ctx, &CheckpointRecord{ThreadID: "t1", StateJSON: "{}"}, 1)
	if !errors.Is(err, ErrSeqConflict) {
		t.Fatalf("expected ErrSeqConflict, got %v", err)
	}

	// 其他线程不受影响
	if err := s.AppendCheckpoint(ctx, &CheckpointRecord{ThreadID: "t2", StateJSON: "{}"}, 0); err != nil {
		t.Fatalf("append t2: %v", err)
	}
}

func TestClassifyAppendError(t *testing.T) {
	unique := errors.New("constraint failed: UNIQUE constraint failed: checkpoints.thread_id, checkpoints.seq (1555)")
	if err := classifyAppendError(unique); !errors.Is(err, ErrSeqConflict) {
		t.Fatalf("expected ErrSeqConflict for unique violation, got %v", err)
	}

	// 数据库忙和序号无关，不能报告成并发冲突
	for _, msg := range []string{"database is locked (5) (SQLITE_BUSY)", "database is locked"} {
		err := classifyAppendError(errors.New(msg))
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("expected ErrBusy for %q, got %v", msg, err)
		}
		if errors.Is(err, ErrSeqConflict) {
			t.Fatalf("busy error %q reported as sequence conflict", msg)
		}
	}

	other := classifyAppendError(errors.New("disk I/O error"))
	if errors.Is(other, ErrSeqConflict) || errors.Is(other, ErrBusy) {
		t.Fatalf("unexpected classification: %v", other)
	}
}

func TestRetentionPruneCheckpoints(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC()
	appendN(t, s, "a", 5, old)
	appendN(t, s, "b", 2, old)

	deleted, err := s.DeleteCheckpointsKeepLatestLimited(ctx, 2, 100)
	if err != nil {
		t.Fatalf("prune keep latest: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}

	// 按时间清理时，每个线程的最新检查点保留
	deleted, err = s.DeleteCheckpointsBeforeLimited(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("prune before: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	for _, thread := range []string{"a", "b"} {
		latest, err := s.LatestCheckpoint(ctx, thread)
		if err != nil || latest == nil {
			t.Fatalf("latest %s: %v", thread, err)
		}
	}
	n, err := s.CountCheckpoints(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 remaining checkpoints, got %d", n)
	}

	threads, err := s.ListThreads(ctx, "onboarding", 10)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
}

func TestAuditInsertQueryUpdate(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	rec := AuditRecord{
		TraceID:   "trace-1",
		ThreadID:  "activity:u1",
		Action:    "update_activity_progress",
		Status:    AuditStatusRunning,
		StartedAt: time.Now().Add(-1 * time.Second).UTC(),
	}
	if err := s.InsertAuditRecord(ctx, &rec); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("expected audit id to be set")
	}

	got, err := s.QueryAuditRecords(ctx, AuditQuery{TraceID: "trace-1", Limit: 10})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(got))
	}
	if got[0].Status != AuditStatusRunning {
		t.Fatalf("unexpected status: %s", got[0].Status)
	}

	status := AuditStatusSuccess
	result := `progress updated`
	finished := time.Now().UTC()
	if err := s.UpdateAuditRecord(ctx, rec.ID, AuditUpdate{
		Status:     &status,
		ResultJSON: &result,
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("update audit: %v", err)
	}

	got2, err := s.QueryAuditRecords(ctx, AuditQuery{ThreadID: "activity:u1", Limit: 10})
	if err != nil {
		t.Fatalf("query audit after update: %v", err)
	}
	if len(got2) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(got2))
	}
	if got2[0].Status != AuditStatusSuccess || got2[0].ResultJSON != result {
		t.Fatalf("unexpected updated record: status=%s result=%s", got2[0].Status, got2[0].ResultJSON)
	}

	if err := s.UpdateAuditRecord(ctx, 9999, AuditUpdate{Status: &status}); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestAuditPrune(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	old := time.Now().Add(-72 * time.Hour).UTC()
	for i := 0; i < 4; i++ {
		rec := AuditRecord{Action: "update_activity_progress", Status: AuditStatusSuccess, CreatedAt: old}
		if err := s.InsertAuditRecord(ctx, &rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	fresh := AuditRecord{Action: "update_activity_progress", Status: AuditStatusSuccess}
	if err := s.InsertAuditRecord(ctx, &fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	deleted, err := s.DeleteAuditRecordsBeforeLimited(ctx, time.Now().Add(-24*time.Hour).UTC(), 2)
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected batch of 2, got %d", deleted)
	}

	deleted, err = s.DeleteAuditRecordsKeepLatest(ctx, 1)
	if err != nil {
		t.Fatalf("keep latest: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	n, err := s.CountAuditRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
}

func TestDSNFromConfig(t *testing.T) {
	dsn, err := dsnFromConfig(Config{Path: "x.db", BusyTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if dsn != "file:x.db?_pragma=busy_timeout(2000)" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
	if _, err := dsnFromConfig(Config{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
