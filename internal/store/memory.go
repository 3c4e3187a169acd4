package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	escrows  map[addr.Address]*model.EscrowRecord
	auctions map[auctionKey]*model.AuctionRecord
	wagers   map[addr.Address]*model.WagerRecord
}

type auctionKey struct {
	escrowID addr.Address
	day      uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[addr.Address]*model.EscrowRecord),
		auctions: make(map[auctionKey]*model.AuctionRecord),
		wagers:   make(map[addr.Address]*model.WagerRecord),
	}
}

func (s *MemoryStore) CreateEscrow(_ context.Context, rec *model.EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[rec.ID]; ok {
		return fmt.Errorf("escrow %s already exists", rec.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *rec
	s.escrows[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id addr.Address) (*model.EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListEscrows(_ context.Context) ([]model.EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EscrowRecord, 0, len(s.escrows))
	for _, rec := range s.escrows {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) UpdateEscrow(_ context.Context, rec *model.EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.escrows[rec.ID]
	if !ok {
		return fmt.Errorf("escrow %s: %w", rec.ID, ErrNotFound)
	}
	cur.TokenSupply = rec.TokenSupply
	cur.RemainingForSale = rec.RemainingForSale
	cur.ElapsedDays = rec.ElapsedDays
	return nil
}

func (s *MemoryStore) CreateAuction(_ context.Context, rec *model.AuctionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := auctionKey{rec.EscrowID, rec.Day}
	if _, ok := s.auctions[key]; ok {
		return fmt.Errorf("auction %s/%d already exists", rec.EscrowID, rec.Day)
	}
	cp := *rec
	s.auctions[key] = &cp
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, escrowID addr.Address, day uint64) (*model.AuctionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.auctions[auctionKey{escrowID, day}]
	if !ok {
		return nil, fmt.Errorf("auction %s/%d: %w", escrowID, day, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateAuction(_ context.Context, rec *model.AuctionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := auctionKey{rec.EscrowID, rec.Day}
	if _, ok := s.auctions[key]; !ok {
		return fmt.Errorf("auction %s/%d: %w", rec.EscrowID, rec.Day, ErrNotFound)
	}
	cp := *rec
	s.auctions[key] = &cp
	return nil
}

func (s *MemoryStore) CreateWager(_ context.Context, rec *model.WagerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wagers[rec.ID]; ok {
		return fmt.Errorf("wager %s already exists", rec.ID)
	}
	cp := *rec
	s.wagers[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWager(_ context.Context, id addr.Address) (*model.WagerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.wagers[id]
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) DeleteWager(_ context.Context, id addr.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wagers[id]; !ok {
		return fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	delete(s.wagers, id)
	return nil
}
