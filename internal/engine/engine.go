// Package engine implements the escrow/auction state machine: deposit,
// primary sale, day-keyed ascending auction with bidder refunds, claim
// settlement, daily token emission, and the coin-flip wager subsystem.
//
// Every operation re-derives and re-verifies the addresses it is given
// (nothing from the caller is trusted beyond the signer identity), runs
// all checks before any value movement, and issues transfers through the
// external ledger interfaces only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/entropy"
	"github.com/fracshare/settlement-engine/internal/holding"
	"github.com/fracshare/settlement-engine/internal/ledger"
	"github.com/fracshare/settlement-engine/internal/metrics"
	"github.com/fracshare/settlement-engine/internal/model"
	"github.com/fracshare/settlement-engine/internal/store"
)

const (
	// EscrowStorageDeposit is the native amount an owner funds the vault
	// with at deposit, covering record storage.
	EscrowStorageDeposit uint64 = 10_000_000

	// WagerStorageDeposit funds a wager record; reclaimed by the player
	// when the wager is claimed.
	WagerStorageDeposit uint64 = 1_000_000

	// emissionDivisor: daily emission mints token_supply/100 per day.
	emissionDivisor uint64 = 100

	// bonusDivisor: the first bid mints token_supply/100 into the vault
	// as the auction-availability buffer.
	bonusDivisor uint64 = 100

	// feeDivisor: the wager entry fee is stake/1000 claim tokens.
	feeDivisor uint64 = 1000
)

// Service executes the six operations against shared escrow state.
// A mutex serializes mutations (single-instance); the enclosing
// deployment provides exclusive-access scheduling when scaled out.
type Service struct {
	store  store.Store
	tokens ledger.TokenLedger
	native ledger.NativeLedger
	flips  entropy.Source
	floor  *holding.Checker
	now    func() time.Time
	mu     sync.Mutex
	wsHub  *WSHub // optional hub for real-time broadcasts
}

// NewService creates the settlement service. Pass nil for hub if
// WebSocket broadcasting is not needed.
func NewService(st store.Store, tokens ledger.TokenLedger, native ledger.NativeLedger, flips entropy.Source, hub *WSHub) *Service {
	return &Service{
		store:  st,
		tokens: tokens,
		native: native,
		flips:  flips,
		floor:  holding.NewChecker(2, 3),
		now:    time.Now,
		wsHub:  hub,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// EscrowAddress computes the escrow record identity for an owner/asset
// pair. One escrow exists per pair.
func EscrowAddress(owner, asset addr.Address) addr.Address {
	id, _ := addr.Derive(addr.TagEscrow, owner, asset)
	return id
}

// vaultKeys re-derives the vault and claim-mint addresses for a record
// and checks them against the stored fields. Every privileged operation
// calls this before touching value.
func vaultKeys(rec *model.EscrowRecord) (vaultSeed addr.Seed, mint addr.Address, err error) {
	vault, seed := addr.Derive(addr.TagVault, rec.Owner, rec.ID)
	if vault != rec.VaultAddress {
		return nil, "", fmt.Errorf("%w: vault address does not re-derive", ErrUnauthorized)
	}
	mint, _ = addr.Derive(addr.TagMint, rec.Owner, rec.ID)
	if mint != rec.ClaimTokenID {
		return nil, "", fmt.Errorf("%w: claim mint does not re-derive", ErrInvalidTokenMintAddress)
	}
	return seed, mint, nil
}

// checkSupplied rejects supplied account handles that disagree with the
// authoritative record. Empty values are allowed (the JSON surface may
// omit them); the raw instruction surface always supplies them.
func checkSupplied(rec *model.EscrowRecord, owner, vault addr.Address) error {
	if owner != "" && owner != rec.Owner {
		return fmt.Errorf("%w: owner account mismatch", ErrUnauthorized)
	}
	if vault != "" && vault != rec.VaultAddress {
		return fmt.Errorf("%w: vault account mismatch", ErrUnauthorized)
	}
	return nil
}

// --- Deposit (op 0) ---

// DepositParams carries the deposit operation inputs. VaultAddress and
// ClaimTokenID are the caller's claimed derived accounts; both must
// re-derive exactly.
type DepositParams struct {
	Signer       addr.Address `json:"signer"`
	Owner        addr.Address `json:"owner"`
	AssetID      addr.Address `json:"asset_id"`
	VaultAddress addr.Address `json:"vault_address"`
	ClaimTokenID addr.Address `json:"claim_token_id"`
	TokenSupply  uint64       `json:"token_supply"`
	UnitPrice    uint64       `json:"unit_price"`
}

// Deposit escrows the asset, creates the vault, mints the claim-token
// supply into it, and writes the escrow record.
func (s *Service) Deposit(ctx context.Context, p DepositParams) (*model.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range []addr.Address{p.Signer, p.Owner, p.AssetID} {
		if !a.Valid() {
			return nil, fmt.Errorf("%w: %q", addr.ErrInvalidAddress, a)
		}
	}
	if p.Signer != p.Owner {
		return nil, fmt.Errorf("%w: signer is not the asset owner", ErrUnauthorized)
	}

	escrowID := EscrowAddress(p.Owner, p.AssetID)
	vault, vaultSeed := addr.Derive(addr.TagVault, p.Owner, escrowID)
	mint, _ := addr.Derive(addr.TagMint, p.Owner, escrowID)

	if p.VaultAddress != vault {
		return nil, fmt.Errorf("%w: vault account mismatch", ErrUnauthorized)
	}
	if p.ClaimTokenID != mint {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidTokenMintAddress, p.ClaimTokenID)
	}

	// Every precondition before the first transfer: one escrow per
	// (owner, asset), the owner actually holds the asset, and the
	// storage deposit is covered. A deposit either completes or moves
	// nothing.
	if _, err := s.store.GetEscrow(ctx, escrowID); err == nil {
		return nil, fmt.Errorf("%w: escrow %s", ErrRecordExists, escrowID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	held, err := s.tokens.BalanceOf(ctx, p.AssetID, p.Owner)
	if err != nil {
		return nil, err
	}
	if held == 0 {
		return nil, fmt.Errorf("%w: signer does not hold asset %s", ErrUnauthorized, p.AssetID)
	}
	funds, err := s.native.Balance(ctx, p.Owner)
	if err != nil {
		return nil, err
	}
	if funds < EscrowStorageDeposit {
		return nil, fmt.Errorf("%w: need %d to fund escrow storage", ErrNotRentExempt, EscrowStorageDeposit)
	}

	// Fund the vault's storage.
	if err := s.native.Transfer(ctx, p.Owner, vault, EscrowStorageDeposit, ledger.SignedBy(p.Owner)); err != nil {
		return nil, err
	}

	if err := s.tokens.CreateMint(ctx, mint, vault); err != nil {
		return nil, err
	}
	if err := s.tokens.Mint(ctx, mint, vault, p.TokenSupply, vaultSeed); err != nil {
		return nil, err
	}
	// The single-unit asset token moves into custody.
	if err := s.tokens.Transfer(ctx, p.AssetID, p.Owner, vault, 1, ledger.SignedBy(p.Owner)); err != nil {
		return nil, err
	}

	rec := &model.EscrowRecord{
		ID:               escrowID,
		Owner:            p.Owner,
		AssetID:          p.AssetID,
		VaultAddress:     vault,
		ClaimTokenID:     mint,
		TokenSupply:      p.TokenSupply,
		UnitPrice:        p.UnitPrice,
		RemainingForSale: p.TokenSupply,
		ElapsedDays:      0,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.CreateEscrow(ctx, rec); err != nil {
		return nil, err
	}

	metrics.DepositsTotal.Inc()
	slog.Info("asset escrowed",
		"escrow", rec.ID,
		"owner", rec.Owner,
		"supply", rec.TokenSupply,
		"unit_price", rec.UnitPrice,
	)
	return rec, nil
}

// --- Primary sale (op 1) ---

// BuyParams carries a primary-window purchase. Owner and Vault are
// optional supplied handles, verified against the record when present.
type BuyParams struct {
	Signer   addr.Address `json:"signer"`
	EscrowID addr.Address `json:"escrow_id"`
	Owner    addr.Address `json:"owner,omitempty"`
	Vault    addr.Address `json:"vault,omitempty"`
	Tokens   uint64       `json:"tokens"`
	Price    uint64       `json:"price"`
}

// Buy performs a fixed-price purchase during the sale window. Price is
// a buyer-side floor guard, not price discovery: settlement always uses
// the record's unit price.
func (s *Service) Buy(ctx context.Context, p BuyParams) (*model.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := checkSupplied(rec, p.Owner, p.Vault); err != nil {
		return nil, err
	}
	vaultSeed, mint, err := vaultKeys(rec)
	if err != nil {
		return nil, err
	}

	if s.now().Sub(rec.CreatedAt) >= model.Window {
		return nil, ErrAuctionStarted
	}
	if p.Tokens > rec.RemainingForSale {
		return nil, fmt.Errorf("%w: %d requested, %d remaining", ErrTokenFinished, p.Tokens, rec.RemainingForSale)
	}
	if p.Price < rec.UnitPrice {
		return nil, fmt.Errorf("%w: offered %d, floor %d", ErrPriceLower, p.Price, rec.UnitPrice)
	}

	cost, err := mulU64(p.Tokens, rec.UnitPrice)
	if err != nil {
		return nil, err
	}

	// Buyer pays the owner; the vault releases the tokens.
	if err := s.native.Transfer(ctx, p.Signer, rec.Owner, cost, ledger.SignedBy(p.Signer)); err != nil {
		return nil, err
	}
	if err := s.tokens.Transfer(ctx, mint, rec.VaultAddress, p.Signer, p.Tokens, ledger.WithSeed(vaultSeed)); err != nil {
		return nil, err
	}

	rec.RemainingForSale -= p.Tokens
	if err := s.store.UpdateEscrow(ctx, rec); err != nil {
		return nil, err
	}

	metrics.PrimarySalesTotal.Inc()
	slog.Info("primary sale",
		"escrow", rec.ID,
		"buyer", p.Signer,
		"tokens", p.Tokens,
		"cost", cost,
		"remaining", rec.RemainingForSale,
	)
	return rec, nil
}

// --- Auction bid (op 5) ---

// BidParams carries a bid. PrevBidder must name the current max bidder
// when raising; a mismatch is treated as a forged-identity attempt.
type BidParams struct {
	Signer     addr.Address `json:"signer"`
	EscrowID   addr.Address `json:"escrow_id"`
	Owner      addr.Address `json:"owner,omitempty"`
	Vault      addr.Address `json:"vault,omitempty"`
	PrevBidder addr.Address `json:"prev_bidder,omitempty"`
	Tokens     uint64       `json:"tokens"`
	Price      uint64       `json:"price"`
}

// BidResult reports what a bid did. A bid at or below the current max
// is silently ignored: Accepted is false and no state changes.
type BidResult struct {
	Accepted bool                 `json:"accepted"`
	Opened   bool                 `json:"opened"`
	Auction  *model.AuctionRecord `json:"auction"`
}

// Bid places or raises a bid on the current auction day. The first bid
// of a day opens it and mints the availability buffer; each accepted
// raise refunds the previous bidder's full escrowed amount before
// pulling the new bid into the vault.
func (s *Service) Bid(ctx context.Context, p BidParams) (*BidResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := checkSupplied(rec, p.Owner, p.Vault); err != nil {
		return nil, err
	}
	vaultSeed, mint, err := vaultKeys(rec)
	if err != nil {
		return nil, err
	}

	elapsed := s.now().Sub(rec.CreatedAt)
	if elapsed < model.Window {
		return nil, fmt.Errorf("%w: sale window still open", ErrNotstarted)
	}
	day := uint64(elapsed/model.Window) - 1

	// Lot floor: a bid must cover more than the daily tranche.
	if p.Tokens <= rec.TokenSupply/bonusDivisor {
		return nil, fmt.Errorf("%w: bid lot %d not above %d", ErrOverflow, p.Tokens, rec.TokenSupply/bonusDivisor)
	}
	amount, err := mulU64(p.Tokens, p.Price)
	if err != nil {
		return nil, err
	}

	auction, err := s.store.GetAuction(ctx, p.EscrowID, day)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.openAuction(ctx, rec, day, amount, p, mint, vaultSeed)
	case err != nil:
		return nil, err
	}

	if auction.Phase == model.PhaseSettled {
		return nil, ErrAuctionEnded
	}

	if p.Price <= auction.MaxPrice {
		// Documented behavior: not an error, not a mutation. The caller
		// paid transaction cost for a no-op.
		metrics.BidsTotal.WithLabelValues("ignored").Inc()
		return &BidResult{Accepted: false, Auction: auction}, nil
	}

	// The supplied previous-bidder handle must equal the stored max
	// bidder, or the refund could be misdirected.
	if p.PrevBidder != auction.MaxBidder {
		return nil, fmt.Errorf("%w: previous bidder account mismatch", ErrUnauthorized)
	}

	// The raise must be fully funded before the refund leaves the
	// vault: a failed pull after the refund would leave the record
	// pointing at an already-refunded bidder, and the next raise (or a
	// claim) would move that amount out of the vault a second time.
	funds, err := s.native.Balance(ctx, p.Signer)
	if err != nil {
		return nil, err
	}
	if funds < amount {
		return nil, fmt.Errorf("%w: bid needs %d, %s holds %d", ledger.ErrInsufficientFunds, amount, p.Signer, funds)
	}

	// Refund the outbid bidder their full escrowed amount, then pull
	// the new bid into the vault.
	if err := s.native.Transfer(ctx, rec.VaultAddress, auction.MaxBidder, auction.Amount, ledger.WithSeed(vaultSeed)); err != nil {
		return nil, err
	}
	metrics.RefundsTotal.Inc()

	if err := s.native.Transfer(ctx, p.Signer, rec.VaultAddress, amount, ledger.SignedBy(p.Signer)); err != nil {
		return nil, err
	}

	auction.MaxPrice = p.Price
	auction.MaxBidder = p.Signer
	auction.NumTokens = p.Tokens
	auction.Amount = amount
	if err := s.store.UpdateAuction(ctx, auction); err != nil {
		return nil, err
	}

	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	slog.Info("bid accepted",
		"escrow", rec.ID,
		"day", day,
		"bidder", p.Signer,
		"price", p.Price,
		"tokens", p.Tokens,
	)
	s.broadcast(WSMessage{
		Type: "bid_accepted", EscrowID: string(rec.ID), Day: day,
		Price: p.Price, Tokens: p.Tokens, Bidder: string(p.Signer),
	})
	return &BidResult{Accepted: true, Auction: auction}, nil
}

// openAuction handles the first bid of a day: mint the availability
// buffer, escrow the bid, create the day record Open.
func (s *Service) openAuction(ctx context.Context, rec *model.EscrowRecord, day, amount uint64, p BidParams, mint addr.Address, vaultSeed addr.Seed) (*BidResult, error) {
	bonus := rec.TokenSupply / bonusDivisor
	newSupply, err := addU64(rec.TokenSupply, bonus)
	if err != nil {
		return nil, err
	}
	// Funding check before the buffer mint; an unfunded opening bid
	// must not inflate the supply.
	funds, err := s.native.Balance(ctx, p.Signer)
	if err != nil {
		return nil, err
	}
	if funds < amount {
		return nil, fmt.Errorf("%w: bid needs %d, %s holds %d", ledger.ErrInsufficientFunds, amount, p.Signer, funds)
	}

	if err := s.tokens.Mint(ctx, mint, rec.VaultAddress, bonus, vaultSeed); err != nil {
		return nil, err
	}
	rec.TokenSupply = newSupply

	if err := s.native.Transfer(ctx, p.Signer, rec.VaultAddress, amount, ledger.SignedBy(p.Signer)); err != nil {
		return nil, err
	}

	auction := &model.AuctionRecord{
		EscrowID:  rec.ID,
		Day:       day,
		Phase:     model.PhaseUninitialized,
		CreatedAt: s.now().UTC(),
	}
	if err := auction.Transition(model.PhaseOpen); err != nil {
		return nil, err
	}
	auction.MaxPrice = p.Price
	auction.MaxBidder = p.Signer
	auction.NumTokens = p.Tokens
	auction.Amount = amount

	if err := s.store.CreateAuction(ctx, auction); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEscrow(ctx, rec); err != nil {
		return nil, err
	}

	metrics.BidsTotal.WithLabelValues("opened").Inc()
	slog.Info("auction opened",
		"escrow", rec.ID,
		"day", day,
		"bidder", p.Signer,
		"price", p.Price,
		"tokens", p.Tokens,
		"bonus_minted", bonus,
	)
	s.broadcast(WSMessage{
		Type: "auction_opened", EscrowID: string(rec.ID), Day: day,
		Price: p.Price, Tokens: p.Tokens, Bidder: string(p.Signer),
	})
	return &BidResult{Accepted: true, Opened: true, Auction: auction}, nil
}

// --- Auction claim (op 2) ---

// ClaimParams carries a settlement claim for one auction day.
type ClaimParams struct {
	Signer   addr.Address `json:"signer"`
	EscrowID addr.Address `json:"escrow_id"`
	Owner    addr.Address `json:"owner,omitempty"`
	Vault    addr.Address `json:"vault,omitempty"`
	Day      uint64       `json:"day"`
}

// ClaimResult reports a settlement. AlreadySettled means the call was
// an idempotent no-op.
type ClaimResult struct {
	AlreadySettled bool                 `json:"already_settled"`
	EmissionMinted uint64               `json:"emission_minted"`
	Auction        *model.AuctionRecord `json:"auction"`
}

// Claim settles an auction day for its winning bidder: daily emission
// is applied first, then the vault releases the won tokens to the
// winner and the escrowed bid amount to the owner. Settling twice pays
// out once; the phase check short-circuits the second call.
func (s *Service) Claim(ctx context.Context, p ClaimParams) (*ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := checkSupplied(rec, p.Owner, p.Vault); err != nil {
		return nil, err
	}
	vaultSeed, mint, err := vaultKeys(rec)
	if err != nil {
		return nil, err
	}

	if s.now().Sub(rec.CreatedAt) < model.Window {
		return nil, fmt.Errorf("%w: sale window still open", ErrNotstarted)
	}

	auction, err := s.store.GetAuction(ctx, p.EscrowID, p.Day)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no auction for day %d", ErrNotstarted, p.Day)
	}
	if err != nil {
		return nil, err
	}

	if auction.Phase == model.PhaseSettled {
		return &ClaimResult{AlreadySettled: true, Auction: auction}, nil
	}
	// Identity equality, not merely being the caller of record.
	if p.Signer != auction.MaxBidder {
		return nil, fmt.Errorf("%w: only the max bidder may claim", ErrUnauthorized)
	}

	// The vault must be able to cover the won lot once emission lands.
	// Checked before the mint: a settlement that cannot complete must
	// not inflate the supply, or every retry would mint the tranche
	// again without advancing the day counter.
	days := uint64(s.now().Sub(rec.CreatedAt) / model.Window)
	minted, err := emissionOwed(rec, days)
	if err != nil {
		return nil, err
	}
	vaultTokens, err := s.tokens.BalanceOf(ctx, mint, rec.VaultAddress)
	if err != nil {
		return nil, err
	}
	available, err := addU64(vaultTokens, minted)
	if err != nil {
		return nil, err
	}
	if auction.NumTokens > available {
		return nil, fmt.Errorf("%w: day %d lot is %d tokens, vault covers %d", ErrTokenFinished, p.Day, auction.NumTokens, available)
	}

	if minted > 0 {
		if err := s.tokens.Mint(ctx, mint, rec.VaultAddress, minted, vaultSeed); err != nil {
			return nil, err
		}
		newSupply, err := addU64(rec.TokenSupply, minted)
		if err != nil {
			return nil, err
		}
		rec.TokenSupply = newSupply
		metrics.EmissionMintedTotal.Add(float64(minted))
	}
	if days > rec.ElapsedDays {
		rec.ElapsedDays = days
	}

	if err := s.tokens.Transfer(ctx, mint, rec.VaultAddress, auction.MaxBidder, auction.NumTokens, ledger.WithSeed(vaultSeed)); err != nil {
		return nil, err
	}
	if err := s.native.Transfer(ctx, rec.VaultAddress, rec.Owner, auction.Amount, ledger.WithSeed(vaultSeed)); err != nil {
		return nil, err
	}

	if err := auction.Transition(model.PhaseSettled); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAuction(ctx, auction); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEscrow(ctx, rec); err != nil {
		return nil, err
	}

	metrics.ClaimsTotal.Inc()
	slog.Info("auction settled",
		"escrow", rec.ID,
		"day", p.Day,
		"winner", auction.MaxBidder,
		"tokens", auction.NumTokens,
		"amount", auction.Amount,
		"emission_minted", minted,
	)
	s.broadcast(WSMessage{
		Type: "auction_settled", EscrowID: string(rec.ID), Day: p.Day,
		Price: auction.MaxPrice, Tokens: auction.NumTokens, Bidder: string(auction.MaxBidder),
	})
	return &ClaimResult{EmissionMinted: minted, Auction: auction}, nil
}

// emissionOwed computes the claim tokens owed for whole days elapsed
// since the last emission. Pure; the caller mints and advances the day
// counter only after all settlement preconditions hold.
func emissionOwed(rec *model.EscrowRecord, days uint64) (uint64, error) {
	if days <= rec.ElapsedDays {
		return 0, nil
	}
	return mulU64(days-rec.ElapsedDays, rec.TokenSupply/emissionDivisor)
}

// --- Wager (op 3) ---

// WagerParams carries a coin-flip wager.
type WagerParams struct {
	Signer   addr.Address `json:"signer"`
	EscrowID addr.Address `json:"escrow_id"`
	Vault    addr.Address `json:"vault,omitempty"`
	Stake    uint64       `json:"stake"`
}

// Wager places a coin flip against the escrow's supply. The player must
// already hold at least 2/3 of the token supply — checked before any
// transfer. The entry fee is stake/1000 claim tokens.
func (s *Service) Wager(ctx context.Context, p WagerParams) (*model.WagerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := checkSupplied(rec, "", p.Vault); err != nil {
		return nil, err
	}
	_, mint, err := vaultKeys(rec)
	if err != nil {
		return nil, err
	}

	balance, err := s.tokens.BalanceOf(ctx, mint, p.Signer)
	if err != nil {
		return nil, err
	}
	if err := s.floor.Check(balance, rec.TokenSupply); err != nil {
		return nil, fmt.Errorf("%w: hold %d of %d", err, balance, rec.TokenSupply)
	}

	// The fee and storage deposit are both checked before either moves.
	// The floor bounds the balance relative to supply, not the stake,
	// so the fee can exceed the holding for a large enough stake.
	fee := p.Stake / feeDivisor
	if fee > balance {
		return nil, fmt.Errorf("%w: entry fee %d exceeds held %d", ledger.ErrInsufficientFunds, fee, balance)
	}
	funds, err := s.native.Balance(ctx, p.Signer)
	if err != nil {
		return nil, err
	}
	if funds < WagerStorageDeposit {
		return nil, fmt.Errorf("%w: need %d to fund wager storage", ErrNotRentExempt, WagerStorageDeposit)
	}

	// Record storage is funded by the player and reclaimed on claim.
	if err := s.native.Transfer(ctx, p.Signer, rec.VaultAddress, WagerStorageDeposit, ledger.SignedBy(p.Signer)); err != nil {
		return nil, err
	}

	if fee > 0 {
		if err := s.tokens.Transfer(ctx, mint, p.Signer, rec.VaultAddress, fee, ledger.SignedBy(p.Signer)); err != nil {
			return nil, err
		}
	}

	won, err := s.flips.Flip()
	if err != nil {
		return nil, err
	}

	wager := &model.WagerRecord{
		ID:        addr.HashIdentity([]byte(p.Signer), []byte(p.EscrowID), []byte(uuid.NewString())),
		EscrowID:  p.EscrowID,
		Player:    p.Signer,
		Outcome:   model.OutcomeLost,
		CreatedAt: s.now().UTC(),
	}
	outcome := "lost"
	if won {
		wager.Outcome = model.OutcomeWon
		wager.Winner = p.Signer
		wager.PayoutAmount = rec.TokenSupply / emissionDivisor
		outcome = "won"
	}
	if err := s.store.CreateWager(ctx, wager); err != nil {
		return nil, err
	}

	metrics.WagersTotal.WithLabelValues(outcome).Inc()
	slog.Info("wager placed",
		"wager", wager.ID,
		"escrow", rec.ID,
		"player", p.Signer,
		"stake", p.Stake,
		"outcome", wager.Outcome,
	)
	return wager, nil
}

// --- Wager claim (op 4) ---

// ClaimWagerParams carries a wager claim.
type ClaimWagerParams struct {
	Signer   addr.Address `json:"signer"`
	WagerID  addr.Address `json:"wager_id"`
	EscrowID addr.Address `json:"escrow_id,omitempty"`
	Owner    addr.Address `json:"owner,omitempty"`
}

// ClaimWagerResult reports a wager claim. Paid is false for a lost
// wager; the storage deposit is reclaimed either way.
type ClaimWagerResult struct {
	Paid   bool   `json:"paid"`
	Payout uint64 `json:"payout"`
}

// ClaimWager pays out a won wager exactly once: the payout is minted,
// transferred to the player, and the player is charged payout×unit_price
// back to the owner. Won or lost, the wager record is consumed and its
// storage deposit returns to the player, so a second claim finds
// nothing.
func (s *Service) ClaimWager(ctx context.Context, p ClaimWagerParams) (*ClaimWagerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wager, err := s.store.GetWager(ctx, p.WagerID)
	if err != nil {
		return nil, err
	}
	if p.EscrowID != "" && p.EscrowID != wager.EscrowID {
		return nil, fmt.Errorf("%w: escrow account mismatch", ErrUnauthorized)
	}
	if p.Signer != wager.Player {
		return nil, fmt.Errorf("%w: only the wagering player may claim", ErrUnauthorized)
	}

	rec, err := s.store.GetEscrow(ctx, wager.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := checkSupplied(rec, p.Owner, ""); err != nil {
		return nil, err
	}
	vaultSeed, mint, err := vaultKeys(rec)
	if err != nil {
		return nil, err
	}

	res := &ClaimWagerResult{}
	if wager.Outcome == model.OutcomeWon {
		if p.Signer != wager.Winner {
			return nil, fmt.Errorf("%w: only the recorded winner may claim", ErrUnauthorized)
		}
		charge, err := mulU64(wager.PayoutAmount, rec.UnitPrice)
		if err != nil {
			return nil, err
		}
		// The player pays first; a player who cannot cover the charge
		// cannot collect the payout.
		if err := s.native.Transfer(ctx, p.Signer, rec.Owner, charge, ledger.SignedBy(p.Signer)); err != nil {
			return nil, err
		}
		if err := s.tokens.Mint(ctx, mint, rec.VaultAddress, wager.PayoutAmount, vaultSeed); err != nil {
			return nil, err
		}
		if err := s.tokens.Transfer(ctx, mint, rec.VaultAddress, p.Signer, wager.PayoutAmount, ledger.WithSeed(vaultSeed)); err != nil {
			return nil, err
		}
		res.Paid = true
		res.Payout = wager.PayoutAmount
	}

	// One-shot guard: reclaim storage and consume the record.
	if err := s.native.Transfer(ctx, rec.VaultAddress, wager.Player, WagerStorageDeposit, ledger.WithSeed(vaultSeed)); err != nil {
		return nil, err
	}
	if err := s.store.DeleteWager(ctx, wager.ID); err != nil {
		return nil, err
	}

	slog.Info("wager claimed",
		"wager", wager.ID,
		"escrow", rec.ID,
		"player", wager.Player,
		"paid", res.Paid,
		"payout", res.Payout,
	)
	return res, nil
}

// --- Read paths ---

// GetEscrow returns one escrow record.
func (s *Service) GetEscrow(ctx context.Context, id addr.Address) (*model.EscrowRecord, error) {
	return s.store.GetEscrow(ctx, id)
}

// ListEscrows returns all escrow records.
func (s *Service) ListEscrows(ctx context.Context) ([]model.EscrowRecord, error) {
	return s.store.ListEscrows(ctx)
}

// GetAuction returns one auction day record.
func (s *Service) GetAuction(ctx context.Context, escrowID addr.Address, day uint64) (*model.AuctionRecord, error) {
	return s.store.GetAuction(ctx, escrowID, day)
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// addU64 adds with an explicit wrap check.
func addU64(a, b uint64) (uint64, error) {
	if a+b < a {
		return 0, ErrOverflow
	}
	return a + b, nil
}
