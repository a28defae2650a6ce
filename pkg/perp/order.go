package perp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/market"
)

// Order is the single pending order of an (account, market) pair.
// A zero SizeDelta means no order exists regardless of the other fields;
// clearing an order just zeroes it.
type Order struct {
	// SizeDelta is the signed quantity: positive long, negative short.
	SizeDelta decimal.Decimal `json:"sizeDelta"`

	// LimitPrice is the worst acceptable fill price before tolerance.
	LimitPrice decimal.Decimal `json:"limitPrice"`

	// KeeperFeeBufferUsd widens the cap on the keeper fee the trader is
	// willing to pay for third-party settlement or cancellation.
	KeeperFeeBufferUsd decimal.Decimal `json:"keeperFeeBufferUsd"`

	// CommitmentTime is the engine time the order was committed at.
	CommitmentTime time.Time `json:"commitmentTime"`
}

// Exists reports whether a pending order is present.
func (o Order) Exists() bool {
	return !o.SizeDelta.IsZero()
}

// SettlementTime is the earliest instant the order may settle.
func (o Order) SettlementTime(m *market.Market) time.Time {
	return o.CommitmentTime.Add(m.SettlementDelay)
}

// ExpireTime is the instant the order turns stale.
func (o Order) ExpireTime(m *market.Market) time.Time {
	return o.CommitmentTime.Add(m.SettlementWindow)
}

// Ready reports whether the order is inside its settlement window:
// settlementTime <= now < expireTime.
func (o Order) Ready(m *market.Market, now time.Time) bool {
	return !now.Before(o.SettlementTime(m)) && now.Before(o.ExpireTime(m))
}

// Stale reports whether the settlement window has passed.
func (o Order) Stale(m *market.Market, now time.Time) bool {
	return !now.Before(o.ExpireTime(m))
}

// OrderDigest is the read-only projection of a pending order.
// IsStale is evaluated against the time of the call, so it is false both
// before expiry and when no order exists.
type OrderDigest struct {
	SizeDelta      decimal.Decimal `json:"sizeDelta"`
	CommitmentTime int64           `json:"commitmentTime"` // unix seconds, 0 when no order
	IsStale        bool            `json:"isStale"`
}

// AccountDigest combines the order digest with the margin balances for
// observability. Not separately persisted.
type AccountDigest struct {
	Order         OrderDigest     `json:"order"`
	CollateralUsd decimal.Decimal `json:"collateralUsd"`
	DebtUsd       decimal.Decimal `json:"debtUsd"`
}
