package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/instruction"
	"github.com/fracshare/settlement-engine/internal/model"
)

// --- HTTP handlers ---
//
// Handlers are thin wrappers over the exported core operations: decode,
// call, map the error taxonomy to status codes, encode. The raw
// instruction endpoint at POST /api/v1/instructions accepts the binary
// wire form instead of JSON bodies.

// HandleDeposit handles POST /api/v1/escrows.
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	rec, err := s.Deposit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleListEscrows handles GET /api/v1/escrows.
func (s *Service) HandleListEscrows(w http.ResponseWriter, r *http.Request) {
	escrows, err := s.ListEscrows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if escrows == nil {
		escrows = []model.EscrowRecord{}
	}
	writeJSON(w, http.StatusOK, escrows)
}

// HandleGetEscrow handles GET /api/v1/escrows/{escrowID}.
func (s *Service) HandleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.GetEscrow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ValuationResponse reports derived pricing figures for an escrow.
// Monetary ratios are decimal, never float64.
type ValuationResponse struct {
	EscrowID         addr.Address    `json:"escrow_id"`
	TokenSupply      uint64          `json:"token_supply"`
	UnitPrice        uint64          `json:"unit_price"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	RemainingForSale uint64          `json:"remaining_for_sale"`
	SoldFraction     decimal.Decimal `json:"sold_fraction"`
	WagerFloor       decimal.Decimal `json:"wager_floor"`
}

// HandleValuation handles GET /api/v1/escrows/{escrowID}/valuation.
func (s *Service) HandleValuation(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.GetEscrow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	supply := decimal.NewFromUint64(rec.TokenSupply)
	sold := decimal.Zero
	if rec.TokenSupply > 0 {
		sold = supply.Sub(decimal.NewFromUint64(rec.RemainingForSale)).Div(supply).Round(6)
	}
	writeJSON(w, http.StatusOK, ValuationResponse{
		EscrowID:         rec.ID,
		TokenSupply:      rec.TokenSupply,
		UnitPrice:        rec.UnitPrice,
		MarketCap:        supply.Mul(decimal.NewFromUint64(rec.UnitPrice)),
		RemainingForSale: rec.RemainingForSale,
		SoldFraction:     sold,
		WagerFloor:       supply.Mul(s.floor.MinFraction()).Ceil(),
	})
}

// HandleGetAuction handles GET /api/v1/escrows/{escrowID}/auctions/{day}.
func (s *Service) HandleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	day, err := strconv.ParseUint(chi.URLParam(r, "day"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid day")
		return
	}
	auction, err := s.GetAuction(r.Context(), id, day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

// HandleBuy handles POST /api/v1/escrows/{escrowID}/buy.
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req BuyParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.EscrowID = id
	rec, err := s.Buy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleBid handles POST /api/v1/escrows/{escrowID}/bids.
func (s *Service) HandleBid(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req BidParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.EscrowID = id
	res, err := s.Bid(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Opened {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// HandleClaim handles POST /api/v1/escrows/{escrowID}/claim.
func (s *Service) HandleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req ClaimParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.EscrowID = id
	res, err := s.Claim(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleWager handles POST /api/v1/escrows/{escrowID}/wagers.
func (s *Service) HandleWager(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req WagerParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.EscrowID = id
	wager, err := s.Wager(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

// HandleClaimWager handles POST /api/v1/wagers/{wagerID}/claim.
func (s *Service) HandleClaimWager(w http.ResponseWriter, r *http.Request) {
	id, err := addr.Parse(chi.URLParam(r, "wagerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req ClaimWagerParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.WagerID = id
	res, err := s.ClaimWager(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Raw instruction dispatch ---

// InstructionRequest is the JSON envelope for the binary wire form:
// hex-encoded instruction data plus the positional account list the
// operation expects.
type InstructionRequest struct {
	Data     string   `json:"data"`
	Accounts []string `json:"accounts"`
}

// HandleInstruction handles POST /api/v1/instructions. The account
// count must match the opcode's arity exactly; accounts map
// positionally onto the operation's parameters.
func (s *Service) HandleInstruction(w http.ResponseWriter, r *http.Request) {
	var req InstructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	raw, err := hex.DecodeString(req.Data)
	if err != nil {
		writeError(w, fmt.Errorf("%w: data is not hex", instruction.ErrInvalidInstruction))
		return
	}
	ins, err := instruction.Decode(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	arity, err := instruction.AccountArity(raw[0])
	if err != nil {
		writeError(w, err)
		return
	}
	if len(req.Accounts) != arity {
		writeError(w, fmt.Errorf("%w: expected %d accounts, got %d",
			instruction.ErrInvalidInstruction, arity, len(req.Accounts)))
		return
	}
	accounts := make([]addr.Address, arity)
	for i, a := range req.Accounts {
		parsed, err := addr.Parse(a)
		if err != nil {
			writeError(w, err)
			return
		}
		accounts[i] = parsed
	}

	result, err := s.dispatch(r.Context(), ins, accounts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// dispatch maps a decoded instruction and its positional accounts onto
// the corresponding core operation.
func (s *Service) dispatch(ctx context.Context, ins *instruction.Instruction, a []addr.Address) (any, error) {
	switch {
	case ins.Deposit != nil:
		// owner, asset mint, escrow record, vault, claim mint
		if a[2] != EscrowAddress(a[0], a[1]) {
			return nil, fmt.Errorf("%w: escrow account does not re-derive", ErrUnauthorized)
		}
		return s.Deposit(ctx, DepositParams{
			Signer:       a[0],
			Owner:        a[0],
			AssetID:      a[1],
			VaultAddress: a[3],
			ClaimTokenID: a[4],
			TokenSupply:  ins.Deposit.TokenSupply,
			UnitPrice:    ins.Deposit.UnitPrice,
		})
	case ins.Buy != nil:
		// buyer, owner, escrow record, vault
		return s.Buy(ctx, BuyParams{
			Signer:   a[0],
			Owner:    a[1],
			EscrowID: a[2],
			Vault:    a[3],
			Tokens:   ins.Buy.Tokens,
			Price:    ins.Buy.Price,
		})
	case ins.Claim != nil:
		// claimer, owner, escrow record, vault
		return s.Claim(ctx, ClaimParams{
			Signer:   a[0],
			Owner:    a[1],
			EscrowID: a[2],
			Vault:    a[3],
			Day:      ins.Claim.Day,
		})
	case ins.Wager != nil:
		// player, escrow record, vault
		return s.Wager(ctx, WagerParams{
			Signer:   a[0],
			EscrowID: a[1],
			Vault:    a[2],
			Stake:    ins.Wager.Tokens,
		})
	case ins.ClaimWager != nil:
		// player, owner, escrow record, wager record
		return s.ClaimWager(ctx, ClaimWagerParams{
			Signer:   a[0],
			Owner:    a[1],
			EscrowID: a[2],
			WagerID:  a[3],
		})
	case ins.Bid != nil:
		// bidder, owner, escrow record, vault, previous bidder
		return s.Bid(ctx, BidParams{
			Signer:     a[0],
			Owner:      a[1],
			EscrowID:   a[2],
			Vault:      a[3],
			PrevBidder: a[4],
			Tokens:     ins.Bid.Tokens,
			Price:      ins.Bid.Price,
		})
	default:
		return nil, instruction.ErrInvalidInstruction
	}
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a taxonomy error to its JSON response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  errCode(err),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "InvalidInstruction",
	})
}
