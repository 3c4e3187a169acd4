// Package addr implements deterministic, program-exclusive address
// derivation. A derived address has no private key: the authorization
// seed returned alongside it is the only capability that can move value
// out of the address, and only the engine ever holds a seed.
//
// Derivation is pure and collision resistance is delegated to BLAKE2b.
package addr

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/blake2b"
)

// Derivation tags. Each derived-account kind gets its own tag so the
// same (owner, record) pair yields distinct addresses per kind.
const (
	TagEscrow  = "escrow"
	TagVault   = "vault"
	TagMint    = "mint"
	TagAuction = "auction"
	TagWager   = "wager"
)

// ProgramID namespaces all derivations to this engine. Changing it
// invalidates every derived address.
const ProgramID = "fracshare-settlement-engine-v1"

// Address is a 64-character lowercase hex identity. External identities
// (owners, bidders, asset mints) use the same representation.
type Address string

// Seed is the authorization capability for a derived address. It is the
// derivation preimage: hashing a Seed reproduces its Address.
type Seed []byte

var addressRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

var (
	ErrInvalidAddress = errors.New("addr: invalid address format")
	ErrBadSeed        = errors.New("addr: seed does not authorize address")
)

// Parse validates the wire representation of an address.
func Parse(s string) (Address, error) {
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 64 lowercase hex chars)", ErrInvalidAddress, s)
	}
	return Address(s), nil
}

// Valid reports whether a is well formed.
func (a Address) Valid() bool {
	return addressRegex.MatchString(string(a))
}

// Derive computes the program-exclusive address for (tag, owner, record)
// and the seed that authorizes transfers out of it. Deterministic, no
// side effects.
func Derive(tag string, owner, record Address) (Address, Seed) {
	seed := buildSeed(tag, owner, record)
	return FromSeed(seed), seed
}

// FromSeed recomputes the address a seed authorizes.
func FromSeed(seed Seed) Address {
	sum := blake2b.Sum256(seed)
	return Address(hex.EncodeToString(sum[:]))
}

// Verify reports whether seed is the authorization capability for a.
func Verify(a Address, seed Seed) error {
	if FromSeed(seed) != a {
		return ErrBadSeed
	}
	return nil
}

func buildSeed(tag string, owner, record Address) Seed {
	var b bytes.Buffer
	b.WriteString(ProgramID)
	b.WriteByte(0)
	b.WriteString(tag)
	b.WriteByte(0)
	b.WriteString(string(owner))
	b.WriteByte(0)
	b.WriteString(string(record))
	return b.Bytes()
}

// HashIdentity maps arbitrary input bytes to a well-formed Address.
// Used for externally supplied identities (e.g. wager nonces) that need
// the canonical representation without being derived accounts.
func HashIdentity(parts ...[]byte) Address {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return Address(hex.EncodeToString(h.Sum(nil)))
}
