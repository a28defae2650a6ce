// Package margin keeps per-account USD collateral, debt, and the position
// projection the order engine settles PnL against. Collateral discounting
// and leverage policy live elsewhere; this ledger only moves value.
package margin

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/market"
)

// Ledger manages margin accounts in a thread-safe manner.
// Uses an in-memory map warmed from pebble at startup, writing through on
// every mutation.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[AccountID]*Account
	nextID   AccountID
	store    *Store
}

// NewLedger opens the ledger backed by a pebble database at dbPath and
// loads all persisted accounts.
func NewLedger(dbPath string) (*Ledger, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	accounts, err := store.LoadAllAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	nextID, err := store.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to load id counter: %w", err)
	}

	l := &Ledger{
		accounts: make(map[AccountID]*Account, len(accounts)),
		nextID:   nextID,
		store:    store,
	}
	for _, acc := range accounts {
		l.accounts[acc.ID] = acc
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// OpenAccount allocates a new account for owner and returns its id.
func (l *Ledger) OpenAccount(owner common.Address) (AccountID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	acc := NewAccount(id, owner)

	if err := l.store.SaveAccount(acc); err != nil {
		return 0, err
	}
	if err := l.store.SaveNextID(id + 1); err != nil {
		return 0, err
	}

	l.accounts[id] = acc
	l.nextID = id + 1
	return id, nil
}

// Has reports whether an account exists.
func (l *Ledger) Has(id AccountID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[id]
	return ok
}

// Owner returns the address that controls an account.
func (l *Ledger) Owner(id AccountID) (common.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[id]
	if !ok {
		return common.Address{}, false
	}
	return acc.Owner, true
}

// AccountByOwner returns the id of the account controlled by owner, if
// any. With multiple accounts per owner the lowest id wins.
func (l *Ledger) AccountByOwner(owner common.Address) (AccountID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best AccountID
	found := false
	for id, acc := range l.accounts {
		if acc.Owner == owner && (!found || id < best) {
			best = id
			found = true
		}
	}
	return best, found
}

// Deposit adds USD collateral to an account.
func (l *Ledger) Deposit(id AccountID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive: %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %d", id)
	}

	// Deposits repay debt before topping up collateral.
	if acc.DebtUsd.Sign() > 0 {
		repaid := decimal.Min(acc.DebtUsd, amount)
		acc.DebtUsd = acc.DebtUsd.Sub(repaid)
		amount = amount.Sub(repaid)
	}
	acc.CollateralUsd = acc.CollateralUsd.Add(amount)

	return l.store.SaveAccount(acc)
}

// CreditUsd adds USD to an account's collateral balance.
func (l *Ledger) CreditUsd(id AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit amount cannot be negative: %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %d", id)
	}

	acc.CollateralUsd = acc.CollateralUsd.Add(amount)
	return l.store.SaveAccount(acc)
}

// DebitUsd removes USD from an account. A debit beyond the collateral
// balance drains it to zero and books the shortfall as debt, so fees can
// always be charged regardless of collateral composition.
func (l *Ledger) DebitUsd(id AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("debit amount cannot be negative: %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %d", id)
	}

	if acc.CollateralUsd.GreaterThanOrEqual(amount) {
		acc.CollateralUsd = acc.CollateralUsd.Sub(amount)
	} else {
		shortfall := amount.Sub(acc.CollateralUsd)
		acc.CollateralUsd = decimal.Zero
		acc.DebtUsd = acc.DebtUsd.Add(shortfall)
	}
	return l.store.SaveAccount(acc)
}

// Digest returns the read-only margin projection for an account.
// The marketID parameter is accepted for interface symmetry with richer
// ledgers that discount collateral per market.
func (l *Ledger) Digest(id AccountID, marketID market.ID) (Digest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.accounts[id]
	if !ok {
		return Digest{}, fmt.Errorf("account not found: %d", id)
	}
	return Digest{
		CollateralUsd: acc.CollateralUsd,
		DebtUsd:       acc.DebtUsd,
	}, nil
}

// ApplyFill folds a settled fill into the account's position for the
// market and returns the realized PnL of the closed portion (zero for a
// pure open).
func (l *Ledger) ApplyFill(id AccountID, marketID market.ID, sizeDelta, fillPrice decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("account not found: %d", id)
	}

	realized := acc.applyFill(marketID, sizeDelta, fillPrice)
	if err := l.store.SaveAccount(acc); err != nil {
		return decimal.Zero, err
	}
	return realized, nil
}

// Position returns a copy of the account's position in a market, or a
// zero-size position if none is open.
func (l *Ledger) Position(id AccountID, marketID market.ID) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.accounts[id]
	if !ok {
		return Position{}, fmt.Errorf("account not found: %d", id)
	}
	pos, ok := acc.Positions[marketID]
	if !ok {
		return Position{MarketID: marketID, Size: decimal.Zero, EntryPrice: decimal.Zero}, nil
	}
	return *pos, nil
}

// Count returns the number of accounts.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}
