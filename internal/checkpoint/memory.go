package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wwwzy/CoachAgent/internal/state"
)

// MemoryStore 是进程内的 Store 实现，主要用于测试和 chat 命令的临时会话。
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*Checkpoint),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	return copyCheckpoint(cps[len(cps)-1]), nil
}

func (m *MemoryStore) Append(ctx context.Context, threadID string, baseSeq int64, s *state.ConversationState) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	if s == nil {
		return nil, fmt.Errorf("append checkpoint: state is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cps := m.threads[threadID]
	var latest int64
	if len(cps) > 0 {
		latest = cps[len(cps)-1].Seq
	}
	if latest != baseSeq {
		return nil, fmt.Errorf("%w: thread %s latest=%d base=%d", ErrConcurrentModification, threadID, latest, baseSeq)
	}

	cp := &Checkpoint{
		ThreadID:  threadID,
		Seq:       baseSeq + 1,
		Step:      s.Step,
		State:     s.Clone(),
		WrittenAt: m.now(),
	}
	m.threads[threadID] = append(cps, cp)
	return copyCheckpoint(cp), nil
}

func (m *MemoryStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.threads[threadID]
	if limit > 0 && len(cps) > limit {
		cps = cps[len(cps)-limit:]
	}
	out := make([]*Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, copyCheckpoint(cp))
	}
	return out, nil
}

// 返回副本，调用方对状态的修改不会影响已写入的快照。
func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.State = cp.State.Clone()
	return &out
}
