// Package model defines the core domain records shared across the
// settlement engine. Token counts and native amounts are uint64 — the
// wire format is u64 and all arithmetic is integral.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/fracshare/settlement-engine/internal/addr"
)

// Window is the primary-sale period after deposit, and the length of one
// auction day.
const Window = 86400 * time.Second

// EscrowRecord is the authoritative state for one fractionalized asset.
// Created exactly once by deposit, never deleted. Mutated only by the
// primary sale (RemainingForSale), the emission scheduler (ElapsedDays,
// TokenSupply) and the first auction bid (TokenSupply bonus).
type EscrowRecord struct {
	ID               addr.Address `json:"id" db:"id"`
	Owner            addr.Address `json:"owner" db:"owner"`
	AssetID          addr.Address `json:"asset_id" db:"asset_id"`
	VaultAddress     addr.Address `json:"vault_address" db:"vault_address"`
	ClaimTokenID     addr.Address `json:"claim_token_id" db:"claim_token_id"`
	TokenSupply      uint64       `json:"token_supply" db:"token_supply"`
	UnitPrice        uint64       `json:"unit_price" db:"unit_price"`
	RemainingForSale uint64       `json:"remaining_for_sale" db:"remaining_for_sale"`
	ElapsedDays      uint64       `json:"elapsed_days" db:"elapsed_days"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
}

// AuctionPhase is the per-day auction state machine:
//
//	Uninitialized → Open → Settled
//
// Illegal transitions are rejected by Transition; Settled is terminal.
type AuctionPhase string

const (
	PhaseUninitialized AuctionPhase = "uninitialized"
	PhaseOpen          AuctionPhase = "open"
	PhaseSettled       AuctionPhase = "settled"
)

// ErrIllegalTransition is returned for any phase move other than
// Uninitialized→Open and Open→Settled.
var ErrIllegalTransition = errors.New("model: illegal auction phase transition")

// AuctionRecord is the state of one auction day for one escrow.
// MaxPrice is monotonically non-decreasing while Open; at most one
// unrefunded bidder exists at any time. Amount is the total escrowed by
// the current max bidder (MaxPrice × NumTokens at bid time) — refund and
// settlement always move exactly this amount, keeping the vault solvent.
type AuctionRecord struct {
	EscrowID  addr.Address `json:"escrow_id" db:"escrow_id"`
	Day       uint64       `json:"day" db:"day"`
	MaxPrice  uint64       `json:"max_price" db:"max_price"`
	MaxBidder addr.Address `json:"max_bidder" db:"max_bidder"`
	NumTokens uint64       `json:"num_tokens" db:"num_tokens"`
	Amount    uint64       `json:"amount" db:"amount"`
	Phase     AuctionPhase `json:"phase" db:"phase"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// Transition moves the auction to the given phase, enforcing the state
// machine. This is the only sanctioned way to change Phase.
func (a *AuctionRecord) Transition(to AuctionPhase) error {
	ok := (a.Phase == PhaseUninitialized && to == PhaseOpen) ||
		(a.Phase == PhaseOpen && to == PhaseSettled)
	if !ok {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, a.Phase, to)
	}
	a.Phase = to
	return nil
}

// WagerOutcome is the recorded result of a coin flip.
type WagerOutcome string

const (
	OutcomeLost WagerOutcome = "lost"
	OutcomeWon  WagerOutcome = "won"
)

// WagerRecord is one wager attempt by one player against an escrow's
// token supply. Payout is claimable at most once; the record is deleted
// on a successful claim (storage reclaim).
type WagerRecord struct {
	ID           addr.Address `json:"id" db:"id"`
	EscrowID     addr.Address `json:"escrow_id" db:"escrow_id"`
	Player       addr.Address `json:"player" db:"player"`
	Outcome      WagerOutcome `json:"outcome" db:"outcome"`
	Winner       addr.Address `json:"winner" db:"winner"`
	PayoutAmount uint64       `json:"payout_amount" db:"payout_amount"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}
