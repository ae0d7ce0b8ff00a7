package storage

import "time"

// CheckpointRecord 是一条不可变的对话状态快照。
//
// (ThreadID, Seq) 为联合主键：同一线程的 Seq 从 1 开始严格递增且无空洞，
// 主键冲突即意味着有并发写者抢先写入了同一个序号。
type CheckpointRecord struct {
	// ThreadID 为对话线程标识（通常带有图名前缀，例如 onboarding:u-42）。
	ThreadID string `gorm:"primaryKey;size:191"`
	// Seq 为线程内的检查点序号。
	Seq int64 `gorm:"primaryKey;autoIncrement:false"`
	// Graph 为产生该快照的图名（onboarding / activity）。
	Graph string `gorm:"size:64;index"`
	// Step 为产生该快照的步骤名。
	Step string `gorm:"size:64"`
	// Status 为快照时刻的线程状态（running/suspended/terminated），便于不反序列化就能统计。
	Status string `gorm:"size:32;index"`
	// StateJSON 存放完整的 ConversationState（JSON）。
	StateJSON string `gorm:"type:text;not null"`
	// WrittenAt 为写入时间。
	WrittenAt time.Time `gorm:"not null;index"`
}

func (CheckpointRecord) TableName() string { return "checkpoints" }

// AuditRecord 记录一次工具调用及其结果，用于审计、追溯与后续分析。
//
// 一条审计记录对应模型发起的一次工具调用（例如 update_activity_progress）。
// 入参/输出统一以 JSON 字符串存放，便于快速落地与版本演进。
type AuditRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一次请求/对话轮次，便于按链路聚合审计。
	TraceID string `gorm:"size:64;index"`
	// ThreadID 为发起调用的对话线程（可选）。
	ThreadID string `gorm:"size:191;index"`
	// Action 为工具名。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放工具调用参数（JSON 字符串）。
	ParamsJSON string `gorm:"type:text"`
	// ResultJSON 存放工具输出摘要。
	ResultJSON string `gorm:"type:text"`
	// Status 表示执行状态（running/success/failed）。
	Status string `gorm:"size:32;not null;index"`
	// ErrorMessage 存放失败时的错误信息（可选）。
	ErrorMessage string `gorm:"type:text"`
	// StartedAt/FinishedAt 表示动作起止时间。统计耗时可用 FinishedAt-StartedAt。
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间，默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}

const (
	AuditStatusRunning = "running"
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
)
