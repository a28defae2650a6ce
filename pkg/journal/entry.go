package journal

import (
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
)

// EntryType tags a state transition.
type EntryType string

const (
	OrderCommitted EntryType = "OrderCommitted"
	OrderSettled   EntryType = "OrderSettled"
	OrderCanceled  EntryType = "OrderCanceled"
)

// Entry is one append-only record of an order transition. Downstream
// accounting and indexers replay these; entries are never rewritten or
// reordered.
type Entry struct {
	Seq            uint64           `json:"seq"`
	Type           EntryType        `json:"type"`
	AccountID      margin.AccountID `json:"accountId"`
	MarketID       market.ID        `json:"marketId"`
	KeeperFeeUsd   decimal.Decimal  `json:"keeperFeeUsd"`
	CommitmentTime int64            `json:"commitmentTime"` // unix seconds
	SizeDelta      decimal.Decimal  `json:"sizeDelta"`
	FillPrice      decimal.Decimal  `json:"fillPrice,omitempty"`
	At             int64            `json:"at"` // unix seconds of the transition
}
