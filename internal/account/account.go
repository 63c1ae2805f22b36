// Package account holds the single-user account state a PDS needs
// beyond the repo itself: the bcrypt password hash checked by
// createSession, and an active/deactivated gate writes can be blocked
// behind. There is exactly one account per process, identified by the
// DID and handle fixed in configuration (§6.4) — no account table,
// no signup flow.
package account

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for session/account operations.
var (
	ErrInvalidCredentials = errors.New("account: invalid identifier or password")
	ErrInactive           = errors.New("account: account is deactivated")
)

// Account is the single configured repo owner.
type Account struct {
	DID    string
	Handle string
}

// Store guards the account's mutable active/deactivated flag. The flag
// is process-lifetime only — a deliberate simplification, since §6.1
// has no table for it and a single-user PDS restarts rarely enough
// that this is not a durability concern worth its own row.
type Store struct {
	mu           sync.RWMutex
	acct         Account
	passwordHash string
	active       bool
}

// NewStore creates the account store for the one configured account.
func NewStore(did, handle, passwordHash string) *Store {
	return &Store{
		acct:         Account{DID: did, Handle: handle},
		passwordHash: passwordHash,
		active:       true,
	}
}

// Account returns the configured account.
func (s *Store) Account() Account { return s.acct }

// Active reports whether the account currently accepts writes.
func (s *Store) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive toggles the write gate.
func (s *Store) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// VerifyPassword checks identifier (DID or handle) and password against
// the single configured account, for com.atproto.server.createSession.
func (s *Store) VerifyPassword(identifier, password string) (Account, error) {
	if identifier != s.acct.DID && identifier != s.acct.Handle {
		return Account{}, ErrInvalidCredentials
	}
	if !s.Active() {
		return Account{}, ErrInactive
	}
	if err := CheckPassword(s.passwordHash, password); err != nil {
		return Account{}, fmt.Errorf("%w", ErrInvalidCredentials)
	}
	return s.acct, nil
}
