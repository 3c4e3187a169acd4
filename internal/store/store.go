// Package store defines the persistence interface for escrow, auction
// and wager records. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist. The engine
// relies on it to detect uninitialized auction days and missing wagers.
var ErrNotFound = errors.New("store: record not found")

// Store is the persistence interface. The engine is the sole mutator of
// every record kind.
type Store interface {
	// --- Escrow records ---

	// CreateEscrow persists a new escrow record.
	CreateEscrow(ctx context.Context, rec *model.EscrowRecord) error

	// GetEscrow retrieves an escrow record by its derived address.
	GetEscrow(ctx context.Context, id addr.Address) (*model.EscrowRecord, error)

	// ListEscrows returns all escrow records.
	ListEscrows(ctx context.Context) ([]model.EscrowRecord, error)

	// UpdateEscrow rewrites the mutable fields (token supply, remaining
	// for sale, elapsed days). CreatedAt and identities never change.
	UpdateEscrow(ctx context.Context, rec *model.EscrowRecord) error

	// --- Auction records (one per escrow per day) ---

	CreateAuction(ctx context.Context, rec *model.AuctionRecord) error
	GetAuction(ctx context.Context, escrowID addr.Address, day uint64) (*model.AuctionRecord, error)
	UpdateAuction(ctx context.Context, rec *model.AuctionRecord) error

	// --- Wager records ---

	CreateWager(ctx context.Context, rec *model.WagerRecord) error
	GetWager(ctx context.Context, id addr.Address) (*model.WagerRecord, error)

	// DeleteWager removes a claimed wager (storage reclaim).
	DeleteWager(ctx context.Context, id addr.Address) error
}
