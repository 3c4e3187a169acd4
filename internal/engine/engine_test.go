package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/engine"
	"github.com/fracshare/settlement-engine/internal/ledger"
	"github.com/fracshare/settlement-engine/internal/model"
	"github.com/fracshare/settlement-engine/internal/store"
)

// fixedFlip is a deterministic entropy source for wager tests.
type fixedFlip bool

func (f fixedFlip) Flip() (bool, error) { return bool(f), nil }

// testAddr makes a well-formed address from a human-readable name.
func testAddr(name string) addr.Address {
	return addr.HashIdentity([]byte(name))
}

type env struct {
	svc    *engine.Service
	st     *store.MemoryStore
	tokens *ledger.MemoryTokenLedger
	native *ledger.MemoryNativeLedger
	router chi.Router
	now    time.Time
}

// newTestEnv creates a Service over in-memory collaborators with a
// controllable clock.
func newTestEnv(t *testing.T, flip fixedFlip) *env {
	t.Helper()
	e := &env{
		st:     store.NewMemoryStore(),
		tokens: ledger.NewMemoryTokenLedger(),
		native: ledger.NewMemoryNativeLedger(),
		now:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	e.svc = engine.NewService(e.st, e.tokens, e.native, flip, nil)
	e.svc.SetClock(func() time.Time { return e.now })

	r := chi.NewRouter()
	r.Get("/api/v1/escrows", e.svc.HandleListEscrows)
	r.Post("/api/v1/escrows", e.svc.HandleDeposit)
	r.Get("/api/v1/escrows/{escrowID}", e.svc.HandleGetEscrow)
	r.Get("/api/v1/escrows/{escrowID}/valuation", e.svc.HandleValuation)
	r.Post("/api/v1/escrows/{escrowID}/buy", e.svc.HandleBuy)
	r.Get("/api/v1/escrows/{escrowID}/auctions/{day}", e.svc.HandleGetAuction)
	r.Post("/api/v1/escrows/{escrowID}/bids", e.svc.HandleBid)
	r.Post("/api/v1/escrows/{escrowID}/claim", e.svc.HandleClaim)
	r.Post("/api/v1/escrows/{escrowID}/wagers", e.svc.HandleWager)
	r.Post("/api/v1/wagers/{wagerID}/claim", e.svc.HandleClaimWager)
	r.Post("/api/v1/instructions", e.svc.HandleInstruction)
	e.router = r
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

// deposit seeds the owner with the asset token and storage funds, then
// escrows the asset. Returns the created record.
func (e *env) deposit(t *testing.T, owner, asset addr.Address, supply, price uint64) *model.EscrowRecord {
	t.Helper()
	escrowID := engine.EscrowAddress(owner, asset)
	vault, _ := addr.Derive(addr.TagVault, owner, escrowID)
	mint, _ := addr.Derive(addr.TagMint, owner, escrowID)

	e.native.SetBalance(owner, engine.EscrowStorageDeposit)
	e.tokens.SetBalance(asset, owner, 1)

	rec, err := e.svc.Deposit(context.Background(), engine.DepositParams{
		Signer:       owner,
		Owner:        owner,
		AssetID:      asset,
		VaultAddress: vault,
		ClaimTokenID: mint,
		TokenSupply:  supply,
		UnitPrice:    price,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	return rec
}

func (e *env) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func tokenBalance(t *testing.T, e *env, mint, holder addr.Address) uint64 {
	t.Helper()
	b, err := e.tokens.BalanceOf(context.Background(), mint, holder)
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	return b
}

func nativeBalance(t *testing.T, e *env, account addr.Address) uint64 {
	t.Helper()
	b, err := e.native.Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("native balance lookup failed: %v", err)
	}
	return b
}

// --- Deposit ---

func TestDeposit_EscrowsAssetAndMintsSupply(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	asset := testAddr("asset")

	rec := e.deposit(t, owner, asset, 1_000_000, 10)

	if rec.TokenSupply != 1_000_000 {
		t.Errorf("expected supply 1000000, got %d", rec.TokenSupply)
	}
	if rec.RemainingForSale != 1_000_000 {
		t.Errorf("expected full supply for sale, got %d", rec.RemainingForSale)
	}
	if rec.ElapsedDays != 0 {
		t.Errorf("expected elapsed_days 0, got %d", rec.ElapsedDays)
	}

	// Full claim supply and the asset token sit in the vault.
	if got := tokenBalance(t, e, rec.ClaimTokenID, rec.VaultAddress); got != 1_000_000 {
		t.Errorf("vault claim balance = %d, want 1000000", got)
	}
	if got := tokenBalance(t, e, asset, rec.VaultAddress); got != 1 {
		t.Errorf("vault asset balance = %d, want 1", got)
	}
	if got := tokenBalance(t, e, asset, owner); got != 0 {
		t.Errorf("owner still holds the asset token")
	}
	// Storage deposit moved owner → vault.
	if got := nativeBalance(t, e, rec.VaultAddress); got != engine.EscrowStorageDeposit {
		t.Errorf("vault native = %d, want %d", got, engine.EscrowStorageDeposit)
	}
}

func TestDeposit_RejectsNonOwnerSigner(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	asset := testAddr("asset")
	escrowID := engine.EscrowAddress(owner, asset)
	vault, _ := addr.Derive(addr.TagVault, owner, escrowID)
	mint, _ := addr.Derive(addr.TagMint, owner, escrowID)

	_, err := e.svc.Deposit(context.Background(), engine.DepositParams{
		Signer:       testAddr("mallory"),
		Owner:        owner,
		AssetID:      asset,
		VaultAddress: vault,
		ClaimTokenID: mint,
		TokenSupply:  1000,
		UnitPrice:    1,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDeposit_RejectsWrongClaimMint(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	asset := testAddr("asset")
	escrowID := engine.EscrowAddress(owner, asset)
	vault, _ := addr.Derive(addr.TagVault, owner, escrowID)

	e.native.SetBalance(owner, engine.EscrowStorageDeposit)
	_, err := e.svc.Deposit(context.Background(), engine.DepositParams{
		Signer:       owner,
		Owner:        owner,
		AssetID:      asset,
		VaultAddress: vault,
		ClaimTokenID: testAddr("forged-mint"),
		TokenSupply:  1000,
		UnitPrice:    1,
	})
	if !errors.Is(err, engine.ErrInvalidTokenMintAddress) {
		t.Errorf("expected ErrInvalidTokenMintAddress, got %v", err)
	}
}

func TestDeposit_RejectsUnderfundedOwner(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	asset := testAddr("asset")
	escrowID := engine.EscrowAddress(owner, asset)
	vault, _ := addr.Derive(addr.TagVault, owner, escrowID)
	mint, _ := addr.Derive(addr.TagMint, owner, escrowID)

	e.native.SetBalance(owner, engine.EscrowStorageDeposit-1)
	e.tokens.SetBalance(asset, owner, 1)

	_, err := e.svc.Deposit(context.Background(), engine.DepositParams{
		Signer:       owner,
		Owner:        owner,
		AssetID:      asset,
		VaultAddress: vault,
		ClaimTokenID: mint,
		TokenSupply:  1000,
		UnitPrice:    1,
	})
	if !errors.Is(err, engine.ErrNotRentExempt) {
		t.Errorf("expected ErrNotRentExempt, got %v", err)
	}
}

func TestDeposit_DuplicateRejectedBeforeTransfers(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	asset := testAddr("asset")
	rec := e.deposit(t, owner, asset, 1_000_000, 10)

	vault, _ := addr.Derive(addr.TagVault, owner, rec.ID)
	mint, _ := addr.Derive(addr.TagMint, owner, rec.ID)
	e.native.SetBalance(owner, 5_000_000)

	_, err := e.svc.Deposit(context.Background(), engine.DepositParams{
		Signer:       owner,
		Owner:        owner,
		AssetID:      asset,
		VaultAddress: vault,
		ClaimTokenID: mint,
		TokenSupply:  1_000_000,
		UnitPrice:    10,
	})
	if !errors.Is(err, engine.ErrRecordExists) {
		t.Errorf("expected ErrRecordExists, got %v", err)
	}
	// The duplicate was rejected before the storage deposit moved.
	if got := nativeBalance(t, e, owner); got != 5_000_000 {
		t.Errorf("owner native = %d, want 5000000", got)
	}
}

func TestDeposit_RequiresAssetHolding(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	asset := testAddr("asset")
	escrowID := engine.EscrowAddress(owner, asset)
	vault, _ := addr.Derive(addr.TagVault, owner, escrowID)
	mint, _ := addr.Derive(addr.TagMint, owner, escrowID)

	e.native.SetBalance(owner, engine.EscrowStorageDeposit)
	e.tokens.SetBalance(asset, testAddr("stranger"), 1)

	_, err := e.svc.Deposit(context.Background(), engine.DepositParams{
		Signer:       owner,
		Owner:        owner,
		AssetID:      asset,
		VaultAddress: vault,
		ClaimTokenID: mint,
		TokenSupply:  1000,
		UnitPrice:    1,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if got := nativeBalance(t, e, owner); got != engine.EscrowStorageDeposit {
		t.Errorf("owner native = %d, want %d", got, engine.EscrowStorageDeposit)
	}
}

// --- Primary sale ---

func TestBuy_TransfersTokensAndPayment(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	buyer := testAddr("buyer")
	rec := e.deposit(t, owner, testAddr("asset"), 1_000_000, 10)

	e.native.SetBalance(buyer, 50_000)
	updated, err := e.svc.Buy(context.Background(), engine.BuyParams{
		Signer:   buyer,
		EscrowID: rec.ID,
		Tokens:   1000,
		Price:    10,
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if updated.RemainingForSale != 999_000 {
		t.Errorf("remaining = %d, want 999000", updated.RemainingForSale)
	}
	if got := tokenBalance(t, e, rec.ClaimTokenID, buyer); got != 1000 {
		t.Errorf("buyer tokens = %d, want 1000", got)
	}
	// Settlement uses the record's unit price: 1000 × 10.
	if got := nativeBalance(t, e, owner); got != 10_000 {
		t.Errorf("owner proceeds = %d, want 10000", got)
	}
	if got := nativeBalance(t, e, buyer); got != 40_000 {
		t.Errorf("buyer balance = %d, want 40000", got)
	}
}

func TestBuy_HigherOfferStillSettlesAtUnitPrice(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	buyer := testAddr("buyer")
	rec := e.deposit(t, owner, testAddr("asset"), 1_000_000, 10)

	e.native.SetBalance(buyer, 50_000)
	if _, err := e.svc.Buy(context.Background(), engine.BuyParams{
		Signer: buyer, EscrowID: rec.ID, Tokens: 100, Price: 99,
	}); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if got := nativeBalance(t, e, owner); got != 1000 {
		t.Errorf("owner proceeds = %d, want 1000 (100 × unit price 10)", got)
	}
}

func TestBuy_RejectsBelowFloorPrice(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	buyer := testAddr("buyer")
	e.native.SetBalance(buyer, 50_000)

	_, err := e.svc.Buy(context.Background(), engine.BuyParams{
		Signer: buyer, EscrowID: rec.ID, Tokens: 100, Price: 9,
	})
	if !errors.Is(err, engine.ErrPriceLower) {
		t.Errorf("expected ErrPriceLower, got %v", err)
	}
}

func TestBuy_RejectsOversell(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1000, 10)
	buyer := testAddr("buyer")
	e.native.SetBalance(buyer, 1_000_000)

	_, err := e.svc.Buy(context.Background(), engine.BuyParams{
		Signer: buyer, EscrowID: rec.ID, Tokens: 1001, Price: 10,
	})
	if !errors.Is(err, engine.ErrTokenFinished) {
		t.Errorf("expected ErrTokenFinished, got %v", err)
	}
}

func TestBuy_RejectedAfterWindow(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	buyer := testAddr("buyer")
	e.native.SetBalance(buyer, 50_000)

	e.advance(model.Window)
	_, err := e.svc.Buy(context.Background(), engine.BuyParams{
		Signer: buyer, EscrowID: rec.ID, Tokens: 100, Price: 10,
	})
	if !errors.Is(err, engine.ErrAuctionStarted) {
		t.Errorf("expected ErrAuctionStarted, got %v", err)
	}
}

// --- Auction ---

func TestBid_RejectedDuringSaleWindow(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 100_000_000)

	_, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	})
	if !errors.Is(err, engine.ErrNotstarted) {
		t.Errorf("expected ErrNotstarted, got %v", err)
	}
}

func TestBid_FirstBidOpensDayAndMintsBuffer(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 10_000_000)

	e.advance(model.Window + time.Hour)
	res, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	})
	if err != nil {
		t.Fatalf("bid failed: %v", err)
	}
	if !res.Opened || !res.Accepted {
		t.Fatalf("expected opening bid to be accepted, got %+v", res)
	}
	if res.Auction.Day != 0 {
		t.Errorf("day = %d, want 0", res.Auction.Day)
	}
	if res.Auction.Phase != model.PhaseOpen {
		t.Errorf("phase = %s, want open", res.Auction.Phase)
	}
	if res.Auction.Amount != 10_000_000 {
		t.Errorf("escrowed amount = %d, want 10000000", res.Auction.Amount)
	}

	// The availability buffer was minted: supply grew by 1%.
	updated, _ := e.st.GetEscrow(context.Background(), rec.ID)
	if updated.TokenSupply != 1_010_000 {
		t.Errorf("supply = %d, want 1010000", updated.TokenSupply)
	}
	// Bid amount escrowed in the vault.
	if got := nativeBalance(t, e, bidder); got != 0 {
		t.Errorf("bidder balance = %d, want 0", got)
	}
}

func TestBid_LowerBidIsSilentNoOp(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	first := testAddr("first-bidder")
	second := testAddr("second-bidder")
	e.native.SetBalance(first, 10_000_000)
	e.native.SetBalance(second, 8_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: first, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}

	res, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: second, EscrowID: rec.ID, PrevBidder: first, Tokens: 20_000, Price: 400,
	})
	if err != nil {
		t.Fatalf("lower bid should not error: %v", err)
	}
	if res.Accepted {
		t.Error("lower bid should not be accepted")
	}
	// No value moved.
	if got := nativeBalance(t, e, second); got != 8_000_000 {
		t.Errorf("second bidder balance = %d, want 8000000", got)
	}
	if res.Auction.MaxBidder != first {
		t.Errorf("max bidder changed to %s", res.Auction.MaxBidder)
	}
}

func TestBid_HigherBidRefundsPreviousBidder(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	first := testAddr("first-bidder")
	second := testAddr("second-bidder")
	e.native.SetBalance(first, 10_000_000)
	e.native.SetBalance(second, 12_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: first, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}

	res, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: second, EscrowID: rec.ID, PrevBidder: first, Tokens: 20_000, Price: 600,
	})
	if err != nil {
		t.Fatalf("raise failed: %v", err)
	}
	if !res.Accepted || res.Opened {
		t.Fatalf("expected accepted raise, got %+v", res)
	}

	// First bidder made whole: the full escrowed amount came back.
	if got := nativeBalance(t, e, first); got != 10_000_000 {
		t.Errorf("first bidder refund = %d, want 10000000", got)
	}
	if res.Auction.MaxBidder != second {
		t.Errorf("max bidder = %s, want second", res.Auction.MaxBidder)
	}
	if res.Auction.Amount != 12_000_000 {
		t.Errorf("escrowed amount = %d, want 12000000", res.Auction.Amount)
	}
	// Only one buffer mint per day: supply unchanged by the raise.
	updated, _ := e.st.GetEscrow(context.Background(), rec.ID)
	if updated.TokenSupply != 1_010_000 {
		t.Errorf("supply = %d, want 1010000", updated.TokenSupply)
	}
}

func TestBid_RaiseRequiresCorrectPreviousBidder(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	first := testAddr("first-bidder")
	second := testAddr("second-bidder")
	e.native.SetBalance(first, 10_000_000)
	e.native.SetBalance(second, 12_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: first, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}

	_, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: second, EscrowID: rec.ID, PrevBidder: testAddr("mallory"),
		Tokens: 20_000, Price: 600,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	// The refund never left the vault.
	if got := nativeBalance(t, e, first); got != 0 {
		t.Errorf("first bidder balance = %d, want 0", got)
	}
}

func TestBid_UnderfundedRaiseLeavesAuctionIntact(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	first := testAddr("first-bidder")
	broke := testAddr("broke-bidder")
	third := testAddr("third-bidder")
	e.native.SetBalance(first, 10_000_000)
	e.native.SetBalance(third, 12_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: first, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}

	_, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: broke, EscrowID: rec.ID, PrevBidder: first, Tokens: 20_000, Price: 600,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// The refund never left the vault and the record still names the
	// first bidder with their full escrowed amount.
	if got := nativeBalance(t, e, first); got != 0 {
		t.Errorf("first bidder balance = %d, want 0", got)
	}
	auction, err := e.st.GetAuction(context.Background(), rec.ID, 0)
	if err != nil {
		t.Fatalf("auction lookup failed: %v", err)
	}
	if auction.MaxBidder != first || auction.Amount != 10_000_000 {
		t.Errorf("auction = bidder %s amount %d, want first / 10000000", auction.MaxBidder, auction.Amount)
	}

	// A funded raise still pays the first bidder back exactly once.
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: third, EscrowID: rec.ID, PrevBidder: first, Tokens: 20_000, Price: 600,
	}); err != nil {
		t.Fatalf("funded raise failed: %v", err)
	}
	if got := nativeBalance(t, e, first); got != 10_000_000 {
		t.Errorf("first bidder refund = %d, want 10000000", got)
	}
	if got := nativeBalance(t, e, rec.VaultAddress); got != engine.EscrowStorageDeposit+12_000_000 {
		t.Errorf("vault native = %d, want %d", got, engine.EscrowStorageDeposit+12_000_000)
	}
}

func TestBid_UnfundedOpeningBidMintsNothing(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	broke := testAddr("broke-bidder")

	e.advance(model.Window + time.Hour)
	_, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: broke, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// No buffer mint, no auction record.
	updated, _ := e.st.GetEscrow(context.Background(), rec.ID)
	if updated.TokenSupply != 1_000_000 {
		t.Errorf("supply = %d, want 1000000", updated.TokenSupply)
	}
	if _, err := e.st.GetAuction(context.Background(), rec.ID, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no auction record, got %v", err)
	}
}

func TestBid_RejectsLotAtOrBelowDailyTranche(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 100_000_000)

	e.advance(model.Window + time.Hour)
	// supply/100 = 10000; a lot of exactly 10000 is too small.
	_, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 10_000, Price: 500,
	})
	if !errors.Is(err, engine.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestBid_DaysAreIndependentAuctions(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 100_000_000)

	e.advance(model.Window + time.Hour)
	res0, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	})
	if err != nil {
		t.Fatalf("day 0 bid failed: %v", err)
	}

	e.advance(model.Window)
	res1, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 300,
	})
	if err != nil {
		t.Fatalf("day 1 bid failed: %v", err)
	}

	if res0.Auction.Day != 0 || res1.Auction.Day != 1 {
		t.Errorf("days = %d, %d; want 0, 1", res0.Auction.Day, res1.Auction.Day)
	}
	if !res1.Opened {
		t.Error("day 1 first bid should open a fresh auction")
	}
	// A lower price than day 0's max is fine on a fresh day.
	if res1.Auction.MaxPrice != 300 {
		t.Errorf("day 1 max price = %d, want 300", res1.Auction.MaxPrice)
	}
}

// --- Claim ---

func TestClaim_SettlesDayForWinner(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	rec := e.deposit(t, owner, testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 10_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("bid failed: %v", err)
	}

	res, err := e.svc.Claim(context.Background(), engine.ClaimParams{
		Signer: bidder, EscrowID: rec.ID, Day: 0,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if res.AlreadySettled {
		t.Fatal("first claim should settle, not short-circuit")
	}
	if res.Auction.Phase != model.PhaseSettled {
		t.Errorf("phase = %s, want settled", res.Auction.Phase)
	}

	// One day elapsed since the last emission, on the post-buffer supply
	// of 1010000: 10100 minted.
	if res.EmissionMinted != 10_100 {
		t.Errorf("emission minted = %d, want 10100", res.EmissionMinted)
	}
	updated, _ := e.st.GetEscrow(context.Background(), rec.ID)
	if updated.TokenSupply != 1_020_100 {
		t.Errorf("supply = %d, want 1020100", updated.TokenSupply)
	}
	if updated.ElapsedDays != 1 {
		t.Errorf("elapsed_days = %d, want 1", updated.ElapsedDays)
	}

	// Winner got the tokens, owner got the escrowed amount.
	if got := tokenBalance(t, e, rec.ClaimTokenID, bidder); got != 20_000 {
		t.Errorf("winner tokens = %d, want 20000", got)
	}
	if got := nativeBalance(t, e, owner); got != 10_000_000 {
		t.Errorf("owner proceeds = %d, want 10000000", got)
	}
	// The vault keeps only the storage deposit.
	if got := nativeBalance(t, e, rec.VaultAddress); got != engine.EscrowStorageDeposit {
		t.Errorf("vault native = %d, want %d", got, engine.EscrowStorageDeposit)
	}
}

func TestClaim_SecondClaimIsIdempotent(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	rec := e.deposit(t, owner, testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 10_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("bid failed: %v", err)
	}
	if _, err := e.svc.Claim(context.Background(), engine.ClaimParams{
		Signer: bidder, EscrowID: rec.ID, Day: 0,
	}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	ownerBefore := nativeBalance(t, e, owner)
	winnerBefore := tokenBalance(t, e, rec.ClaimTokenID, bidder)

	res, err := e.svc.Claim(context.Background(), engine.ClaimParams{
		Signer: bidder, EscrowID: rec.ID, Day: 0,
	})
	if err != nil {
		t.Fatalf("second claim should no-op, got error: %v", err)
	}
	if !res.AlreadySettled {
		t.Error("second claim should report already settled")
	}
	if got := nativeBalance(t, e, owner); got != ownerBefore {
		t.Errorf("owner balance moved on repeat claim: %d → %d", ownerBefore, got)
	}
	if got := tokenBalance(t, e, rec.ClaimTokenID, bidder); got != winnerBefore {
		t.Errorf("winner tokens moved on repeat claim: %d → %d", winnerBefore, got)
	}
}

func TestClaim_OnlyMaxBidderMayClaim(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 10_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("bid failed: %v", err)
	}

	_, err := e.svc.Claim(context.Background(), engine.ClaimParams{
		Signer: testAddr("mallory"), EscrowID: rec.ID, Day: 0,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClaim_EmissionCoversSkippedDays(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	e.native.SetBalance(bidder, 100_000_000)

	// Skip straight to day 2 (three windows elapsed).
	e.advance(3*model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("bid failed: %v", err)
	}
	res, err := e.svc.Claim(context.Background(), engine.ClaimParams{
		Signer: bidder, EscrowID: rec.ID, Day: 2,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Three whole days since creation, none emitted yet, on the
	// post-buffer supply: 3 × 10100.
	if res.EmissionMinted != 30_300 {
		t.Errorf("emission minted = %d, want 30300", res.EmissionMinted)
	}
	updated, _ := e.st.GetEscrow(context.Background(), rec.ID)
	if updated.ElapsedDays != 3 {
		t.Errorf("elapsed_days = %d, want 3", updated.ElapsedDays)
	}
}

func TestClaim_FailedClaimDoesNotReMintEmission(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	buyer := testAddr("buyer")
	bidder := testAddr("bidder")
	e.native.SetBalance(buyer, 10_000_000)
	e.native.SetBalance(bidder, 15_000_000)

	// The primary sale empties the vault of claim tokens.
	if _, err := e.svc.Buy(context.Background(), engine.BuyParams{
		Signer: buyer, EscrowID: rec.ID, Tokens: 1_000_000, Price: 10,
	}); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	e.advance(model.Window + time.Hour)
	// The lot is far larger than the buffer plus one day's emission, so
	// settlement cannot complete.
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 500_000, Price: 30,
	}); err != nil {
		t.Fatalf("bid failed: %v", err)
	}
	vaultBefore := tokenBalance(t, e, rec.ClaimTokenID, rec.VaultAddress)

	for i := 0; i < 3; i++ {
		_, err := e.svc.Claim(context.Background(), engine.ClaimParams{
			Signer: bidder, EscrowID: rec.ID, Day: 0,
		})
		if !errors.Is(err, engine.ErrTokenFinished) {
			t.Fatalf("claim %d: expected ErrTokenFinished, got %v", i, err)
		}
	}

	// Failed settlements mint nothing and leave the counters alone.
	if got := tokenBalance(t, e, rec.ClaimTokenID, rec.VaultAddress); got != vaultBefore {
		t.Errorf("vault claim tokens = %d, want %d", got, vaultBefore)
	}
	updated, _ := e.st.GetEscrow(context.Background(), rec.ID)
	if updated.TokenSupply != 1_010_000 {
		t.Errorf("supply = %d, want 1010000", updated.TokenSupply)
	}
	if updated.ElapsedDays != 0 {
		t.Errorf("elapsed_days = %d, want 0", updated.ElapsedDays)
	}
}

func TestBid_RejectedAfterDaySettled(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	bidder := testAddr("bidder")
	late := testAddr("late-bidder")
	e.native.SetBalance(bidder, 10_000_000)
	e.native.SetBalance(late, 100_000_000)

	e.advance(model.Window + time.Hour)
	if _, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: bidder, EscrowID: rec.ID, Tokens: 20_000, Price: 500,
	}); err != nil {
		t.Fatalf("bid failed: %v", err)
	}
	if _, err := e.svc.Claim(context.Background(), engine.ClaimParams{
		Signer: bidder, EscrowID: rec.ID, Day: 0,
	}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	_, err := e.svc.Bid(context.Background(), engine.BidParams{
		Signer: late, EscrowID: rec.ID, PrevBidder: bidder, Tokens: 30_000, Price: 900,
	})
	if !errors.Is(err, engine.ErrAuctionEnded) {
		t.Errorf("expected ErrAuctionEnded, got %v", err)
	}
}

// --- Wager ---

func TestWager_RejectsBelowHoldingFloorBeforeAnyTransfer(t *testing.T) {
	e := newTestEnv(t, true)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 100)

	_, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if err == nil {
		t.Fatal("expected holding floor rejection")
	}
	// Nothing moved: the eligibility check precedes all transfers.
	if got := nativeBalance(t, e, player); got != 2_000_000 {
		t.Errorf("player native = %d, want 2000000", got)
	}
	if got := tokenBalance(t, e, rec.ClaimTokenID, player); got != 100 {
		t.Errorf("player tokens = %d, want 100", got)
	}
}

func TestWager_UnpayableFeeLeavesStateUntouched(t *testing.T) {
	e := newTestEnv(t, true)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	// The floor bounds the holding against the supply, not the stake:
	// stake/1000 here exceeds everything the player holds.
	_, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 800_000_000,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// Rejected before the storage deposit or the fee moved.
	if got := nativeBalance(t, e, player); got != 2_000_000 {
		t.Errorf("player native = %d, want 2000000", got)
	}
	if got := tokenBalance(t, e, rec.ClaimTokenID, player); got != 700_000 {
		t.Errorf("player tokens = %d, want 700000", got)
	}
}

func TestWager_UnderfundedDepositTakesNoFee(t *testing.T) {
	e := newTestEnv(t, true)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, engine.WagerStorageDeposit-1)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	_, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if !errors.Is(err, engine.ErrNotRentExempt) {
		t.Fatalf("expected ErrNotRentExempt, got %v", err)
	}
	if got := tokenBalance(t, e, rec.ClaimTokenID, player); got != 700_000 {
		t.Errorf("player tokens = %d, want 700000", got)
	}
}

func TestWager_WinRecordsPayout(t *testing.T) {
	e := newTestEnv(t, true)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	wager, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if err != nil {
		t.Fatalf("wager failed: %v", err)
	}
	if wager.Outcome != model.OutcomeWon {
		t.Errorf("outcome = %s, want won", wager.Outcome)
	}
	if wager.Winner != player {
		t.Errorf("winner = %s, want player", wager.Winner)
	}
	if wager.PayoutAmount != 10_000 {
		t.Errorf("payout = %d, want 10000 (supply/100)", wager.PayoutAmount)
	}
	// Entry fee stake/1000 and the storage deposit were taken.
	if got := tokenBalance(t, e, rec.ClaimTokenID, player); got != 699_900 {
		t.Errorf("player tokens = %d, want 699900", got)
	}
	if got := nativeBalance(t, e, player); got != 2_000_000-engine.WagerStorageDeposit {
		t.Errorf("player native = %d, want %d", got, 2_000_000-engine.WagerStorageDeposit)
	}
}

func TestWager_LossRecordsNoPayout(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	wager, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if err != nil {
		t.Fatalf("wager failed: %v", err)
	}
	if wager.Outcome != model.OutcomeLost {
		t.Errorf("outcome = %s, want lost", wager.Outcome)
	}
	if wager.PayoutAmount != 0 {
		t.Errorf("payout = %d, want 0", wager.PayoutAmount)
	}
}

func TestClaimWager_WinPaysOutOnceAndConsumesRecord(t *testing.T) {
	e := newTestEnv(t, true)
	owner := testAddr("owner")
	rec := e.deposit(t, owner, testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	wager, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if err != nil {
		t.Fatalf("wager failed: %v", err)
	}

	res, err := e.svc.ClaimWager(context.Background(), engine.ClaimWagerParams{
		Signer: player, WagerID: wager.ID,
	})
	if err != nil {
		t.Fatalf("claim wager failed: %v", err)
	}
	if !res.Paid || res.Payout != 10_000 {
		t.Fatalf("expected payout 10000, got %+v", res)
	}

	// Player: 700000 − 100 fee + 10000 payout.
	if got := tokenBalance(t, e, rec.ClaimTokenID, player); got != 709_900 {
		t.Errorf("player tokens = %d, want 709900", got)
	}
	// Charged payout × unit price = 100000 to the owner; the storage
	// deposit came back.
	if got := nativeBalance(t, e, owner); got != 100_000 {
		t.Errorf("owner charge = %d, want 100000", got)
	}
	if got := nativeBalance(t, e, player); got != 1_900_000 {
		t.Errorf("player native = %d, want 1900000", got)
	}

	// One-shot: the record is gone.
	_, err = e.svc.ClaimWager(context.Background(), engine.ClaimWagerParams{
		Signer: player, WagerID: wager.ID,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second claim, got %v", err)
	}
}

func TestClaimWager_LossReturnsDepositOnly(t *testing.T) {
	e := newTestEnv(t, false)
	owner := testAddr("owner")
	rec := e.deposit(t, owner, testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	wager, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if err != nil {
		t.Fatalf("wager failed: %v", err)
	}

	res, err := e.svc.ClaimWager(context.Background(), engine.ClaimWagerParams{
		Signer: player, WagerID: wager.ID,
	})
	if err != nil {
		t.Fatalf("claim wager failed: %v", err)
	}
	if res.Paid {
		t.Error("lost wager should not pay out")
	}
	// Only the storage deposit round-trips; the fee stays in the vault.
	if got := nativeBalance(t, e, player); got != 2_000_000 {
		t.Errorf("player native = %d, want 2000000", got)
	}
	if got := nativeBalance(t, e, owner); got != 0 {
		t.Errorf("owner balance = %d, want 0", got)
	}
	if got := tokenBalance(t, e, rec.ClaimTokenID, player); got != 699_900 {
		t.Errorf("player tokens = %d, want 699900", got)
	}
}

func TestClaimWager_OnlyPlayerMayClaim(t *testing.T) {
	e := newTestEnv(t, true)
	rec := e.deposit(t, testAddr("owner"), testAddr("asset"), 1_000_000, 10)
	player := testAddr("player")
	e.native.SetBalance(player, 2_000_000)
	e.tokens.SetBalance(rec.ClaimTokenID, player, 700_000)

	wager, err := e.svc.Wager(context.Background(), engine.WagerParams{
		Signer: player, EscrowID: rec.ID, Stake: 100_000,
	})
	if err != nil {
		t.Fatalf("wager failed: %v", err)
	}

	_, err = e.svc.ClaimWager(context.Background(), engine.ClaimWagerParams{
		Signer: testAddr("mallory"), WagerID: wager.ID,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}
