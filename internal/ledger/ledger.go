// Package ledger defines the narrow interfaces through which the engine
// consumes its external collaborators: the fungible-token ledger that
// stores balances and performs mints/transfers, and the native-balance
// ledger that moves sale and bid collateral.
//
// Debits are authorized either by the account holder's signature or, for
// program-derived addresses, by the derivation seed. The ledger itself
// verifies seeds; the engine never caches authority.
package ledger

import (
	"context"
	"errors"

	"github.com/fracshare/settlement-engine/internal/addr"
)

var (
	ErrUnauthorized      = errors.New("ledger: debit not authorized")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnknownMint       = errors.New("ledger: unknown mint")
	ErrMintExists        = errors.New("ledger: mint already exists")
	ErrOverflow          = errors.New("ledger: balance would overflow")
)

// Authorization proves the right to debit an account. Exactly one of
// Signer or Seed is set.
type Authorization struct {
	Signer addr.Address
	Seed   addr.Seed
}

// SignedBy authorizes a debit from the signer's own account.
func SignedBy(signer addr.Address) Authorization {
	return Authorization{Signer: signer}
}

// WithSeed authorizes a debit from a program-derived account.
func WithSeed(seed addr.Seed) Authorization {
	return Authorization{Seed: seed}
}

// TokenLedger is the external fungible-token capability: mint, transfer,
// balance-of. Token accounts are keyed (mint, holder) and created on
// first use.
type TokenLedger interface {
	// CreateMint registers a new token mint whose mint authority is the
	// given derived address.
	CreateMint(ctx context.Context, mint, authority addr.Address) error

	// Mint issues new tokens into dest's account. The seed must
	// authorize the mint's authority address.
	Mint(ctx context.Context, mint, dest addr.Address, amount uint64, seed addr.Seed) error

	// Transfer moves tokens between accounts of the same mint.
	Transfer(ctx context.Context, mint, from, to addr.Address, amount uint64, auth Authorization) error

	// BalanceOf returns the holder's balance for a mint. Missing
	// accounts read as zero.
	BalanceOf(ctx context.Context, mint, holder addr.Address) (uint64, error)
}

// NativeLedger is the external native-balance transfer primitive.
type NativeLedger interface {
	Transfer(ctx context.Context, from, to addr.Address, amount uint64, auth Authorization) error
	Balance(ctx context.Context, account addr.Address) (uint64, error)
}
