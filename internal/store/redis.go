package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optbook/options-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) UpsertOption(ctx context.Context, meta *model.OptionMeta) error {
	if err := s.primary.UpsertOption(ctx, meta); err != nil {
		return err
	}
	s.cacheOption(ctx, meta)
	return nil
}

func (s *CachedStore) InsertSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	if err := s.primary.InsertSettlement(ctx, rec); err != nil {
		return err
	}
	// Invalidate the settlement list for this option; next read re-populates.
	s.rdb.Del(ctx, settlementsKey(rec.OptionID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOption(ctx context.Context, id string) (*model.OptionMeta, error) {
	data, err := s.rdb.Get(ctx, optionKey(id)).Bytes()
	if err == nil {
		var m model.OptionMeta
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetOption(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheOption(ctx, m)
	return m, nil
}

func (s *CachedStore) ListSettlements(ctx context.Context, optionID string) ([]model.SettlementRecord, error) {
	data, err := s.rdb.Get(ctx, settlementsKey(optionID)).Bytes()
	if err == nil {
		var records []model.SettlementRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.primary.ListSettlements(ctx, optionID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(records); err == nil {
		s.rdb.Set(ctx, settlementsKey(optionID), data, s.ttl)
	}
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOptions(ctx context.Context) ([]model.OptionMeta, error) {
	return s.primary.ListOptions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOption(ctx context.Context, m *model.OptionMeta) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, optionKey(m.ID), data, s.ttl)
	}
}

func optionKey(id string) string      { return fmt.Sprintf("option:%s", id) }
func settlementsKey(id string) string { return fmt.Sprintf("settlements:%s", id) }
