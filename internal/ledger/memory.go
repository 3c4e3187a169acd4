package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/fracshare/settlement-engine/internal/addr"
)

// MemoryTokenLedger implements TokenLedger with in-memory maps. Used for
// testing and development.
type MemoryTokenLedger struct {
	mu          sync.RWMutex
	authorities map[addr.Address]addr.Address            // mint → mint authority
	balances    map[addr.Address]map[addr.Address]uint64 // mint → holder → balance
}

// NewMemoryTokenLedger creates an empty in-memory token ledger.
func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{
		authorities: make(map[addr.Address]addr.Address),
		balances:    make(map[addr.Address]map[addr.Address]uint64),
	}
}

func (l *MemoryTokenLedger) CreateMint(_ context.Context, mint, authority addr.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.authorities[mint]; ok {
		return fmt.Errorf("%w: %s", ErrMintExists, mint)
	}
	l.authorities[mint] = authority
	l.balances[mint] = make(map[addr.Address]uint64)
	return nil
}

func (l *MemoryTokenLedger) Mint(_ context.Context, mint, dest addr.Address, amount uint64, seed addr.Seed) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	authority, ok := l.authorities[mint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	if addr.Verify(authority, seed) != nil {
		return fmt.Errorf("%w: seed does not match mint authority", ErrUnauthorized)
	}
	return credit(l.balances[mint], dest, amount)
}

func (l *MemoryTokenLedger) Transfer(_ context.Context, mint, from, to addr.Address, amount uint64, auth Authorization) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	accounts, ok := l.balances[mint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	if err := authorize(from, auth); err != nil {
		return err
	}
	if accounts[from] < amount {
		return fmt.Errorf("%w: %s holds %d of mint %s, needs %d",
			ErrInsufficientFunds, from, accounts[from], mint, amount)
	}
	if err := credit(accounts, to, amount); err != nil {
		return err
	}
	accounts[from] -= amount
	return nil
}

func (l *MemoryTokenLedger) BalanceOf(_ context.Context, mint, holder addr.Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	accounts, ok := l.balances[mint]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	return accounts[holder], nil
}

// SetBalance seeds a token account directly. Test helper, not part of
// the TokenLedger interface.
func (l *MemoryTokenLedger) SetBalance(mint, holder addr.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[mint]; !ok {
		l.authorities[mint] = mint
		l.balances[mint] = make(map[addr.Address]uint64)
	}
	l.balances[mint][holder] = amount
}

// MemoryNativeLedger implements NativeLedger with an in-memory balance map.
type MemoryNativeLedger struct {
	mu       sync.RWMutex
	balances map[addr.Address]uint64
}

// NewMemoryNativeLedger creates an empty in-memory native ledger.
func NewMemoryNativeLedger() *MemoryNativeLedger {
	return &MemoryNativeLedger{balances: make(map[addr.Address]uint64)}
}

func (l *MemoryNativeLedger) Transfer(_ context.Context, from, to addr.Address, amount uint64, auth Authorization) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := authorize(from, auth); err != nil {
		return err
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d",
			ErrInsufficientFunds, from, l.balances[from], amount)
	}
	if err := credit(l.balances, to, amount); err != nil {
		return err
	}
	l.balances[from] -= amount
	return nil
}

func (l *MemoryNativeLedger) Balance(_ context.Context, account addr.Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

// SetBalance seeds a native balance directly. Test helper.
func (l *MemoryNativeLedger) SetBalance(account addr.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = amount
}

// authorize checks that auth carries the right to debit from: either the
// holder's own signature or a seed that re-derives the address.
func authorize(from addr.Address, auth Authorization) error {
	if len(auth.Seed) > 0 {
		if addr.Verify(from, auth.Seed) != nil {
			return fmt.Errorf("%w: seed does not derive %s", ErrUnauthorized, from)
		}
		return nil
	}
	if auth.Signer != from {
		return fmt.Errorf("%w: signer %s is not %s", ErrUnauthorized, auth.Signer, from)
	}
	return nil
}

func credit(balances map[addr.Address]uint64, to addr.Address, amount uint64) error {
	if balances[to]+amount < balances[to] {
		return ErrOverflow
	}
	balances[to] += amount
	return nil
}
