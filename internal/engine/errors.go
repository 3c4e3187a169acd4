package engine

import (
	"errors"
	"net/http"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/holding"
	"github.com/fracshare/settlement-engine/internal/instruction"
	"github.com/fracshare/settlement-engine/internal/ledger"
	"github.com/fracshare/settlement-engine/internal/store"
)

// Operation error taxonomy. Any failed precondition aborts the call
// before state mutation; the caller retries with corrected inputs.
var (
	// ErrNotRentExempt: storage funding below the required minimum.
	ErrNotRentExempt = errors.New("engine: balance below rent-exempt threshold")

	// ErrInvalidTokenMintAddress: a supplied account does not match its
	// deterministically expected address.
	ErrInvalidTokenMintAddress = errors.New("engine: token mint address is not as expected")

	// ErrUnauthorized: missing required signature, signer/role mismatch,
	// or a derived-address verification failure.
	ErrUnauthorized = errors.New("engine: missing required signature or address mismatch")

	// ErrNotstarted: action attempted before its eligible window.
	ErrNotstarted = errors.New("engine: not started")

	// ErrAuctionEnded: action attempted after the auction day settled.
	ErrAuctionEnded = errors.New("engine: auction ended")

	// ErrAuctionStarted: primary purchase attempted after the sale
	// window elapsed.
	ErrAuctionStarted = errors.New("engine: buy period ended")

	// ErrTokenFinished: requested more tokens than remain for sale.
	ErrTokenFinished = errors.New("engine: token supply finished")

	// ErrPriceLower: offer below the sale floor.
	ErrPriceLower = errors.New("engine: price is lower")

	// ErrOverflow: unsigned arithmetic would wrap.
	ErrOverflow = errors.New("engine: arithmetic overflow")

	// ErrRecordExists: creating a record whose derived address is
	// already occupied.
	ErrRecordExists = errors.New("engine: record already exists")
)

// errCode maps an error to its taxonomy name for API responses.
func errCode(err error) string {
	switch {
	case errors.Is(err, ErrNotRentExempt):
		return "NotRentExempt"
	case errors.Is(err, instruction.ErrInvalidInstruction):
		return "InvalidInstruction"
	case errors.Is(err, ErrInvalidTokenMintAddress):
		return "InvalidTokenMintAddress"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ledger.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrNotstarted):
		return "Notstarted"
	case errors.Is(err, ErrAuctionEnded):
		return "AuctionEnded"
	case errors.Is(err, ErrAuctionStarted):
		return "AuctionStarted"
	case errors.Is(err, ErrTokenFinished):
		return "TokenFinished"
	case errors.Is(err, ErrPriceLower):
		return "PriceLower"
	case errors.Is(err, ErrOverflow), errors.Is(err, ledger.ErrOverflow):
		return "Overflow"
	case errors.Is(err, ErrRecordExists), errors.Is(err, ledger.ErrMintExists):
		return "RecordExists"
	case errors.Is(err, ledger.ErrUnknownMint):
		return "UnknownMint"
	case errors.Is(err, holding.ErrBelowFloor):
		return "BelowHoldingFloor"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, store.ErrNotFound):
		return "NotFound"
	case errors.Is(err, addr.ErrInvalidAddress):
		return "InvalidAddress"
	default:
		return "Internal"
	}
}

// errStatus maps an error to an HTTP status code.
func errStatus(err error) int {
	switch {
	case errors.Is(err, instruction.ErrInvalidInstruction),
		errors.Is(err, addr.ErrInvalidAddress),
		errors.Is(err, ErrInvalidTokenMintAddress):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnknownMint):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotstarted),
		errors.Is(err, ErrAuctionEnded),
		errors.Is(err, ErrAuctionStarted),
		errors.Is(err, ErrTokenFinished),
		errors.Is(err, ErrPriceLower),
		errors.Is(err, ErrOverflow),
		errors.Is(err, ErrNotRentExempt),
		errors.Is(err, holding.ErrBelowFloor),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrOverflow),
		errors.Is(err, ErrRecordExists),
		errors.Is(err, ledger.ErrMintExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// mulU64 multiplies with an explicit wrap check.
func mulU64(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/a != b {
		return 0, ErrOverflow
	}
	return p, nil
}
