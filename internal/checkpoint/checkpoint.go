// Package checkpoint 持久化对话状态快照，按 (线程, 序号) 寻址。
//
// 存储层不理解图的语义，只保证两件事：同一线程的序号严格递增且无空洞；
// 写入只有在 base 序号等于当前最新序号时才会被接受（乐观并发控制）。
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/wwwzy/CoachAgent/internal/state"
)

var (
	// ErrConcurrentModification 表示 base 序号已过期，调用方需要重新加载最新检查点。
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrEmptyThread 表示线程标识为空。
	ErrEmptyThread = errors.New("thread id is required")
)

// Checkpoint 是一个不可变的快照。
type Checkpoint struct {
	ThreadID  string
	Seq       int64
	Step      string
	State     *state.ConversationState
	WrittenAt time.Time
}

// Store 是检查点存储。实现必须可被多个 goroutine 并发使用。
type Store interface {
	// LoadLatest 返回序号最大的检查点；线程不存在时返回 (nil, nil)。
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	// Append 在 baseSeq 之上写入新快照（序号为 baseSeq+1）；
	// baseSeq 不是当前最新序号时返回 ErrConcurrentModification。
	Append(ctx context.Context, threadID string, baseSeq int64, s *state.ConversationState) (*Checkpoint, error)
	// List 按序号升序返回线程最近 limit 个检查点，limit<=0 表示全部。
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
}
