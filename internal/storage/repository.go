package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// ErrSeqConflict 表示写入时线程的最新序号已经不是调用方看到的 base。
var ErrSeqConflict = errors.New("checkpoint sequence conflict")

// ErrBusy 表示数据库暂时被其他连接锁住，与序号无关，稍后重试即可。
var ErrBusy = errors.New("database is busy")

// CheckpointQuery 用于查询某个线程的检查点历史。
type CheckpointQuery struct {
	ThreadID string
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 Seq 倒序返回（优先返回最新快照）。
	Desc bool
}

// ThreadSummary 为某个线程最新检查点的摘要。
type ThreadSummary struct {
	ThreadID  string
	Graph     string
	Seq       int64
	Status    string
	WrittenAt time.Time
}

// AppendCheckpoint 在事务内校验 base 序号并写入 rec（rec.Seq 由这里填充为 base+1）。
//
// 序号不匹配或主键冲突返回 ErrSeqConflict（有别的写者抢先写入了 base+1）；
// 数据库忙返回 ErrBusy。
func (s *Storage) AppendCheckpoint(ctx context.Context, rec *CheckpointRecord, baseSeq int64) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if rec == nil {
		return errors.New("checkpoint record is nil")
	}
	if rec.ThreadID == "" {
		return errors.New("thread id is required")
	}
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now().UTC()
	}
	rec.Seq = baseSeq + 1

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int64
		if err := tx.Model(&CheckpointRecord{}).
			Select("COALESCE(MAX(seq), 0)").
			Where("thread_id = ?", rec.ThreadID).
			Scan(&latest).Error; err != nil {
			return err
		}
		if latest != baseSeq {
			return fmt.Errorf("%w: thread %s latest=%d base=%d", ErrSeqConflict, rec.ThreadID, latest, baseSeq)
		}
		return tx.Create(rec).Error
	})
	if err == nil {
		return nil
	}
	return classifyAppendError(err)
}

func classifyAppendError(err error) error {
	switch {
	case errors.Is(err, ErrSeqConflict):
		return err
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrSeqConflict, err)
	case isBusy(err):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	default:
		return fmt.Errorf("append checkpoint: %w", err)
	}
}

// LatestCheckpoint 返回线程序号最大的检查点；线程不存在时返回 (nil, nil)。
func (s *Storage) LatestCheckpoint(ctx context.Context, threadID string) (*CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []CheckpointRecord
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *Storage) QueryCheckpoints(ctx context.Context, q CheckpointQuery) ([]CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	db := s.db.WithContext(ctx).Model(&CheckpointRecord{})
	if q.ThreadID != "" {
		db = db.Where("thread_id = ?", q.ThreadID)
	}
	if q.Desc {
		db = db.Order("seq DESC")
	} else {
		db = db.Order("seq ASC")
	}
	db = db.Limit(normalizeLimit(q.Limit))

	var out []CheckpointRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	return out, nil
}

// ListThreads 返回每个线程最新检查点的摘要；graph 为空时不过滤。
func (s *Storage) ListThreads(ctx context.Context, graph string, limit int) ([]ThreadSummary, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	latest := s.db.Model(&CheckpointRecord{}).
		Select("thread_id, MAX(seq) AS max_seq").
		Group("thread_id")

	db := s.db.WithContext(ctx).Table("checkpoints AS c").
		Select("c.thread_id, c.graph, c.seq, c.status, c.written_at").
		Joins("JOIN (?) AS m ON c.thread_id = m.thread_id AND c.seq = m.max_seq", latest)
	if graph != "" {
		db = db.Where("c.graph = ?", graph)
	}

	var out []ThreadSummary
	if err := db.Order("c.written_at DESC").Limit(normalizeLimit(limit)).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return out, nil
}

func (s *Storage) CountCheckpoints(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&CheckpointRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

func (s *Storage) CountThreads(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&CheckpointRecord{}).Distinct("thread_id").Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count threads: %w", err)
	}
	return n, nil
}

// DeleteCheckpointsKeepLatestLimited 每个线程只保留最新 keep 个检查点，单次最多删除 limit 行。
// keep 最小为 1：线程的最新检查点永远不会被删除。
func (s *Storage) DeleteCheckpointsKeepLatestLimited(ctx context.Context, keep int, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if keep < 1 {
		keep = 1
	}
	limit = normalizeDeleteLimit(limit)

	res := s.db.WithContext(ctx).Exec(`DELETE FROM checkpoints WHERE rowid IN (
		SELECT c.rowid FROM checkpoints c
		JOIN (SELECT thread_id, MAX(seq) AS max_seq FROM checkpoints GROUP BY thread_id) m
		ON c.thread_id = m.thread_id
		WHERE c.seq <= m.max_seq - ?
		ORDER BY c.thread_id, c.seq
		LIMIT ?)`, keep, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteCheckpointsBeforeLimited 删除写入时间早于 before 的历史检查点（每个线程的最新检查点除外）。
func (s *Storage) DeleteCheckpointsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	limit = normalizeDeleteLimit(limit)

	res := s.db.WithContext(ctx).Exec(`DELETE FROM checkpoints WHERE rowid IN (
		SELECT c.rowid FROM checkpoints c
		JOIN (SELECT thread_id, MAX(seq) AS max_seq FROM checkpoints GROUP BY thread_id) m
		ON c.thread_id = m.thread_id
		WHERE c.seq < m.max_seq AND c.written_at < ?
		ORDER BY c.thread_id, c.seq
		LIMIT ?)`, before, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AuditQuery 用于查询审计记录的过滤条件。
//
// 设计原则：
//   - 所有字段都是“可选过滤条件”，零值表示不参与过滤。
//   - 时间范围使用 CreatedAt（写入时间）。
type AuditQuery struct {
	// TraceID 精确匹配链路 ID。
	TraceID string
	// ThreadID 精确匹配对话线程。
	ThreadID string
	// Action 精确匹配工具名。
	Action string
	// Status 精确匹配执行状态（running/success/failed）。
	Status string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新记录）。
	Desc bool
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.ThreadID != "" {
		db = db.Where("thread_id = ?", q.ThreadID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC, id DESC")
	} else {
		db = db.Order("created_at ASC, id ASC")
	}
	db = db.Limit(normalizeLimit(q.Limit))

	var out []AuditRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, up AuditUpdate) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gormNotFoundError("audit record", id)
	}
	return nil
}

func (s *Storage) CountAuditRecords(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&AuditRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

func (s *Storage) DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("id").
		Where("created_at < ?", before).
		Order("id ASC").
		Limit(limit).
		Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select audit ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAuditRecordsKeepLatest 只保留最新 keep 条审计记录。
func (s *Storage) DeleteAuditRecordsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if keep < 0 {
		keep = 0
	}

	keepIDs := s.db.Model(&AuditRecord{}).Select("id").Order("id DESC").Limit(keep)
	res := s.db.WithContext(ctx).Where("id NOT IN (?)", keepIDs).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

// SQLite 的错误只能靠错误文本识别（驱动不导出错误码类型）。
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

func gormNotFoundError(entity string, id uint64) error {
	return notFoundError{Entity: entity, ID: id}
}
