package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/macromate/server/internal/agent/model"
)

// MemoryStore is the process-local fallback. Entries are stored encoded so callers
// never share state with the store.
type MemoryStore struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *MemoryStore) Init(context.Context) error { return nil }

func (m *MemoryStore) Get(_ context.Context, threadID string) (*model.PipelineState, error) {
	b, ok := m.lru.Get(threadID)
	if !ok {
		return nil, nil
	}
	var s model.PipelineState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, threadID string, state *model.PipelineState) error {
	b, err := json.Marshal(state.Checkpoint())
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	m.lru.Add(threadID, b)
	return nil
}

func (m *MemoryStore) Close() error {
	m.lru.Purge()
	return nil
}

var _ model.StateStore = (*MemoryStore)(nil)
