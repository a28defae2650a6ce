package perp

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
)

// The error identifiers below are part of the wire contract: callers and
// keeper bots dispatch on the rendered string, so the formats never change.

// MarketNotFoundError rejects an operation against an unknown market id.
type MarketNotFoundError struct {
	MarketID market.ID
}

func (e *MarketNotFoundError) Error() string {
	return fmt.Sprintf("MarketNotFound(%d)", e.MarketID)
}

// AccountNotFoundError rejects an operation against an unknown account id,
// or a commit by a caller who does not own the account.
type AccountNotFoundError struct {
	AccountID margin.AccountID
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("AccountNotFound(%d)", e.AccountID)
}

// PriceToleranceNotExceededError carries the values a keeper needs to
// decide between retrying with a fresh proof and switching to settlement.
// Settlement fails with it when the fill price moved unfavorably beyond
// tolerance; cancellation fails with it when the price did NOT move beyond
// tolerance (the order must be settled instead).
type PriceToleranceNotExceededError struct {
	SizeDelta  decimal.Decimal
	FillPrice  decimal.Decimal
	LimitPrice decimal.Decimal
}

func (e *PriceToleranceNotExceededError) Error() string {
	return fmt.Sprintf("PriceToleranceNotExceeded(%s, %s, %s)", e.SizeDelta, e.FillPrice, e.LimitPrice)
}

var (
	ErrOrderNotFound       = errors.New("OrderNotFound()")
	ErrOrderNotReady       = errors.New("OrderNotReady()")
	ErrOrderNotStale       = errors.New("OrderNotStale()")
	ErrOrderAlreadyPending = errors.New("OrderAlreadyPending()")
	ErrInvalidPriceProof   = errors.New("InvalidPriceProof()")

	// Commit-time guards.
	ErrNilOrder              = errors.New("NilOrder()")
	ErrMaxMarketSizeExceeded = errors.New("MaxMarketSizeExceeded()")
)

// IsRetriable reports whether the caller can retry the operation with a
// fresh price proof or after waiting. Terminal errors (missing order,
// market, account) require abandoning instead.
func IsRetriable(err error) bool {
	var tolErr *PriceToleranceNotExceededError
	switch {
	case errors.Is(err, ErrOrderNotReady),
		errors.Is(err, ErrOrderNotStale),
		errors.Is(err, ErrInvalidPriceProof),
		errors.As(err, &tolErr):
		return true
	default:
		return false
	}
}
