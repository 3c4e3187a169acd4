// Package entropy provides the wager outcome source behind an
// interface, so the engine's fairness can be upgraded (e.g. to an
// externally audited VRF) without touching settlement logic.
package entropy

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Source decides a single win/lose outcome.
type Source interface {
	Flip() (won bool, err error)
}

// CryptoSource draws outcomes from crypto/rand. Default in production.
type CryptoSource struct{}

func (CryptoSource) Flip() (bool, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return false, fmt.Errorf("entropy: %w", err)
	}
	return b[0]&1 == 1, nil
}

// ClockParity reproduces the legacy timestamp-parity flip. It is not
// fair against an adversary who controls submission timing; kept only as
// a deterministic placeholder for tests.
type ClockParity struct {
	Now func() time.Time
}

func (c ClockParity) Flip() (bool, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Unix()%2 == 1, nil
}
