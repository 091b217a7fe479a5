package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/optbook/options-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	options     map[string]*model.OptionMeta
	settlements []model.SettlementRecord
}

// NewMemoryStore creates a new in-memory mirror store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		options: make(map[string]*model.OptionMeta),
	}
}

func (s *MemoryStore) UpsertOption(_ context.Context, meta *model.OptionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	snapshot := *meta
	s.options[meta.ID] = &snapshot
	return nil
}

func (s *MemoryStore) GetOption(_ context.Context, id string) (*model.OptionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.options[id]
	if !ok {
		return nil, fmt.Errorf("option %s not found", id)
	}
	snapshot := *m
	return &snapshot, nil
}

func (s *MemoryStore) ListOptions(_ context.Context) ([]model.OptionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	options := make([]model.OptionMeta, 0, len(s.options))
	for _, m := range s.options {
		options = append(options, *m)
	}
	sort.Slice(options, func(i, j int) bool {
		return options[i].CreatedAt.After(options[j].CreatedAt)
	})
	return options, nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, rec *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = append(s.settlements, *rec)
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, optionID string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementRecord
	for _, rec := range s.settlements {
		if rec.OptionID == optionID {
			result = append(result, rec)
		}
	}
	return result, nil
}
