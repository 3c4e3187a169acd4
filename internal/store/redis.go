package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for escrow and auction records. Writes go to the
// primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. Wager records are not cached — they live for
// one wager/claim round trip.
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

// --- Escrow records ---

func (s *CachedStore) CreateEscrow(ctx context.Context, rec *model.EscrowRecord) error {
	if err := s.primary.CreateEscrow(ctx, rec); err != nil {
		return err
	}
	s.cacheEscrow(ctx, rec)
	return nil
}

func (s *CachedStore) GetEscrow(ctx context.Context, id addr.Address) (*model.EscrowRecord, error) {
	data, err := s.rdb.Get(ctx, escrowKey(id)).Bytes()
	if err == nil {
		var rec model.EscrowRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheEscrow(ctx, rec)
	return rec, nil
}

func (s *CachedStore) ListEscrows(ctx context.Context) ([]model.EscrowRecord, error) {
	return s.primary.ListEscrows(ctx)
}

func (s *CachedStore) UpdateEscrow(ctx context.Context, rec *model.EscrowRecord) error {
	if err := s.primary.UpdateEscrow(ctx, rec); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, escrowKey(rec.ID))
	return nil
}

// --- Auction records ---

func (s *CachedStore) CreateAuction(ctx context.Context, rec *model.AuctionRecord) error {
	if err := s.primary.CreateAuction(ctx, rec); err != nil {
		return err
	}
	s.cacheAuction(ctx, rec)
	return nil
}

func (s *CachedStore) GetAuction(ctx context.Context, escrowID addr.Address, day uint64) (*model.AuctionRecord, error) {
	data, err := s.rdb.Get(ctx, auctionCacheKey(escrowID, day)).Bytes()
	if err == nil {
		var rec model.AuctionRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetAuction(ctx, escrowID, day)
	if err != nil {
		return nil, err
	}
	s.cacheAuction(ctx, rec)
	return rec, nil
}

func (s *CachedStore) UpdateAuction(ctx context.Context, rec *model.AuctionRecord) error {
	if err := s.primary.UpdateAuction(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionCacheKey(rec.EscrowID, rec.Day))
	return nil
}

// --- Wager records (passthrough) ---

func (s *CachedStore) CreateWager(ctx context.Context, rec *model.WagerRecord) error {
	return s.primary.CreateWager(ctx, rec)
}

func (s *CachedStore) GetWager(ctx context.Context, id addr.Address) (*model.WagerRecord, error) {
	return s.primary.GetWager(ctx, id)
}

func (s *CachedStore) DeleteWager(ctx context.Context, id addr.Address) error {
	return s.primary.DeleteWager(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) cacheEscrow(ctx context.Context, rec *model.EscrowRecord) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, escrowKey(rec.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheAuction(ctx context.Context, rec *model.AuctionRecord) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, auctionCacheKey(rec.EscrowID, rec.Day), data, s.ttl)
	}
}

func escrowKey(id addr.Address) string { return fmt.Sprintf("escrow:%s", id) }

func auctionCacheKey(id addr.Address, day uint64) string {
	return fmt.Sprintf("auction:%s:%d", id, day)
}
