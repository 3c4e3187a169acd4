// Package instruction decodes raw operation requests into a closed set
// of typed variants. Wire format: one opcode byte followed by
// little-endian fixed-width u64 fields. Anything undecodable is
// ErrInvalidInstruction — the decoder never guesses.
package instruction

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcodes.
const (
	OpDeposit    byte = 0
	OpBuy        byte = 1
	OpClaim      byte = 2
	OpWager      byte = 3
	OpClaimWager byte = 4
	OpBid        byte = 5
)

// ErrInvalidInstruction is returned for unknown opcodes and malformed
// or truncated payloads.
var ErrInvalidInstruction = errors.New("instruction: invalid instruction")

// Instruction is the closed union of decoded operations. Exactly one
// field is non-nil after a successful Decode.
type Instruction struct {
	Deposit    *Deposit
	Buy        *Buy
	Claim      *Claim
	Wager      *Wager
	ClaimWager *ClaimWager
	Bid        *Bid
}

// Deposit escrows an asset and mints the claim-token supply (op 0).
type Deposit struct {
	TokenSupply uint64
	UnitPrice   uint64
}

// Buy purchases claim tokens during the primary sale window (op 1).
type Buy struct {
	Tokens uint64
	Price  uint64
}

// Claim settles an auction day for its winning bidder (op 2).
type Claim struct {
	Day uint64
}

// Wager places a coin-flip wager (op 3).
type Wager struct {
	Tokens uint64
}

// ClaimWager claims a won wager's payout (op 4).
type ClaimWager struct {
	Tokens uint64
}

// Bid places or raises an auction bid (op 5).
type Bid struct {
	Tokens uint64
	Price  uint64
}

// AccountArity returns the number of account handles an operation
// expects. Passing a different count is indistinguishable from a
// forged-identity attack and is rejected before dispatch.
func AccountArity(op byte) (int, error) {
	switch op {
	case OpDeposit:
		return 5, nil // owner, asset mint, escrow record, vault, claim mint
	case OpBuy:
		return 4, nil // buyer, owner, escrow record, vault
	case OpClaim:
		return 4, nil // claimer, owner, escrow record, vault
	case OpWager:
		return 3, nil // player, escrow record, vault
	case OpClaimWager:
		return 4, nil // player, owner, escrow record, wager record
	case OpBid:
		return 5, nil // bidder, owner, escrow record, vault, previous bidder
	default:
		return 0, fmt.Errorf("%w: unknown opcode %d", ErrInvalidInstruction, op)
	}
}

// Decode unpacks a raw byte buffer into an Instruction.
func Decode(input []byte) (*Instruction, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidInstruction)
	}
	op, rest := input[0], input[1:]

	switch op {
	case OpDeposit:
		supply, price, err := twoU64(rest)
		if err != nil {
			return nil, err
		}
		return &Instruction{Deposit: &Deposit{TokenSupply: supply, UnitPrice: price}}, nil
	case OpBuy:
		tokens, price, err := twoU64(rest)
		if err != nil {
			return nil, err
		}
		return &Instruction{Buy: &Buy{Tokens: tokens, Price: price}}, nil
	case OpClaim:
		day, err := oneU64(rest)
		if err != nil {
			return nil, err
		}
		return &Instruction{Claim: &Claim{Day: day}}, nil
	case OpWager:
		tokens, err := oneU64(rest)
		if err != nil {
			return nil, err
		}
		return &Instruction{Wager: &Wager{Tokens: tokens}}, nil
	case OpClaimWager:
		tokens, err := oneU64(rest)
		if err != nil {
			return nil, err
		}
		return &Instruction{ClaimWager: &ClaimWager{Tokens: tokens}}, nil
	case OpBid:
		tokens, price, err := twoU64(rest)
		if err != nil {
			return nil, err
		}
		return &Instruction{Bid: &Bid{Tokens: tokens, Price: price}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrInvalidInstruction, op)
	}
}

func oneU64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: truncated payload (%d bytes)", ErrInvalidInstruction, len(b))
	}
	return binary.LittleEndian.Uint64(b[:8]), nil
}

func twoU64(b []byte) (uint64, uint64, error) {
	if len(b) < 16 {
		return 0, 0, fmt.Errorf("%w: truncated payload (%d bytes)", ErrInvalidInstruction, len(b))
	}
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:16]), nil
}

// Encode builds the wire form of an instruction. Used by tests and by
// clients driving the raw dispatch endpoint.
func Encode(op byte, fields ...uint64) []byte {
	out := make([]byte, 1+8*len(fields))
	out[0] = op
	for i, f := range fields {
		binary.LittleEndian.PutUint64(out[1+8*i:], f)
	}
	return out
}
