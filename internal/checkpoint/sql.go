package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wwwzy/CoachAgent/internal/state"
	"github.com/wwwzy/CoachAgent/internal/storage"
)

const maxListLimit = 5000

// SQLStore 把检查点存进 sqlite 的 checkpoints 表，状态序列化为 JSON。
type SQLStore struct {
	store *storage.Storage
}

func NewSQLStore(store *storage.Storage) (*SQLStore, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &SQLStore{store: store}, nil
}

func (s *SQLStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	rec, err := s.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return decodeRecord(rec)
}

func (s *SQLStore) Append(ctx context.Context, threadID string, baseSeq int64, st *state.ConversationState) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	if st == nil {
		return nil, fmt.Errorf("append checkpoint: state is nil")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	rec := &storage.CheckpointRecord{
		ThreadID:  threadID,
		Graph:     st.Graph,
		Step:      st.Step,
		Status:    string(st.Status),
		StateJSON: string(raw),
	}
	if err := s.store.AppendCheckpoint(ctx, rec, baseSeq); err != nil {
		if errors.Is(err, storage.ErrSeqConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, err
	}
	return &Checkpoint{
		ThreadID:  threadID,
		Seq:       rec.Seq,
		Step:      rec.Step,
		State:     st.Clone(),
		WrittenAt: rec.WrittenAt,
	}, nil
}

func (s *SQLStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	if limit <= 0 {
		limit = maxListLimit
	}
	recs, err := s.store.QueryCheckpoints(ctx, storage.CheckpointQuery{
		ThreadID: threadID,
		Limit:    limit,
		Desc:     true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, len(recs))
	for i := range recs {
		cp, err := decodeRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		// 倒序查询取最近 limit 条，这里翻转回升序
		out[len(recs)-1-i] = cp
	}
	return out, nil
}

func decodeRecord(rec *storage.CheckpointRecord) (*Checkpoint, error) {
	var st state.ConversationState
	if err := json.Unmarshal([]byte(rec.StateJSON), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s#%d: %w", rec.ThreadID, rec.Seq, err)
	}
	return &Checkpoint{
		ThreadID:  rec.ThreadID,
		Seq:       rec.Seq,
		Step:      rec.Step,
		State:     &st,
		WrittenAt: rec.WrittenAt,
	}, nil
}
