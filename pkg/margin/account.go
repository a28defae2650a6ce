package margin

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/market"
)

// AccountID identifies a margin account. Ids are allocated sequentially
// when an owner opens an account and never reused.
type AccountID uint64

// Account holds the USD-denominated margin state for one trader.
// Collateral and debt are tracked separately: a debit that exceeds
// collateral converts the shortfall into debt instead of failing, so fee
// charges against non-cash collateral always succeed.
type Account struct {
	ID    AccountID      `json:"id"`
	Owner common.Address `json:"owner"`

	CollateralUsd decimal.Decimal `json:"collateralUsd"`
	DebtUsd       decimal.Decimal `json:"debtUsd"`

	// Open positions per market, maintained by ApplyFill.
	Positions map[market.ID]*Position `json:"positions"`
}

// Position is the per-market projection used to realize PnL when an
// order fills. Size sign encodes side: positive long, negative short.
type Position struct {
	MarketID   market.ID       `json:"marketId"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"` // volume-weighted average
}

// NewAccount creates an account with zero balances.
func NewAccount(id AccountID, owner common.Address) *Account {
	return &Account{
		ID:            id,
		Owner:         owner,
		CollateralUsd: decimal.Zero,
		DebtUsd:       decimal.Zero,
		Positions:     make(map[market.ID]*Position),
	}
}

// Digest is the read-only projection of an account's margin state.
type Digest struct {
	CollateralUsd decimal.Decimal `json:"collateralUsd"`
	DebtUsd       decimal.Decimal `json:"debtUsd"`
}

// applyFill folds a fill into the account's position for marketID and
// returns the realized PnL (zero unless the fill reduces or flips an
// existing position).
func (a *Account) applyFill(marketID market.ID, sizeDelta, fillPrice decimal.Decimal) decimal.Decimal {
	pos, ok := a.Positions[marketID]
	if !ok {
		pos = &Position{MarketID: marketID, Size: decimal.Zero, EntryPrice: decimal.Zero}
		a.Positions[marketID] = pos
	}

	oldSize := pos.Size
	newSize := oldSize.Add(sizeDelta)
	realized := decimal.Zero

	switch {
	case oldSize.IsZero():
		pos.Size = newSize
		pos.EntryPrice = fillPrice

	case oldSize.Sign() == sizeDelta.Sign():
		// Same direction: extend at the volume-weighted entry price.
		num := pos.EntryPrice.Mul(oldSize.Abs()).Add(fillPrice.Mul(sizeDelta.Abs()))
		pos.Size = newSize
		pos.EntryPrice = num.Div(newSize.Abs())

	default:
		// Opposite direction: realize PnL on the closed portion.
		closed := decimal.Min(oldSize.Abs(), sizeDelta.Abs())
		realized = fillPrice.Sub(pos.EntryPrice).Mul(closed)
		if oldSize.Sign() < 0 {
			realized = realized.Neg()
		}

		pos.Size = newSize
		if newSize.IsZero() {
			pos.EntryPrice = decimal.Zero
		} else if oldSize.Sign() != newSize.Sign() {
			// Flipped through zero: the remainder opened at the fill price.
			pos.EntryPrice = fillPrice
		}
	}

	if pos.Size.IsZero() {
		delete(a.Positions, marketID)
	}
	return realized
}

// Validate checks account invariants.
func (a *Account) Validate() error {
	if a.CollateralUsd.IsNegative() {
		return fmt.Errorf("account %d: negative collateral %s", a.ID, a.CollateralUsd)
	}
	if a.DebtUsd.IsNegative() {
		return fmt.Errorf("account %d: negative debt %s", a.ID, a.DebtUsd)
	}
	for id, pos := range a.Positions {
		if pos.MarketID != id {
			return fmt.Errorf("account %d: position market mismatch: key=%d pos=%d", a.ID, id, pos.MarketID)
		}
		if pos.Size.IsZero() {
			return fmt.Errorf("account %d: zero-size position for market %d", a.ID, id)
		}
	}
	return nil
}
