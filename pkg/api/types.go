package api

import "github.com/shopspring/decimal"

// Request and response types for REST endpoints and WebSocket messages.
// Decimal fields marshal as JSON strings so precision survives the wire.

// CommitRequest commits a new pending order.
type CommitRequest struct {
	Caller             string          `json:"caller"` // 0x address of the account owner
	AccountID          uint64          `json:"accountId"`
	MarketID           uint64          `json:"marketId"`
	SizeDelta          decimal.Decimal `json:"sizeDelta"`
	LimitPrice         decimal.Decimal `json:"limitPrice"`
	KeeperFeeBufferUsd decimal.Decimal `json:"keeperFeeBufferUsd"`
}

// SettleRequest settles a pending order with a price proof.
type SettleRequest struct {
	Caller    string `json:"caller"` // 0x address of the keeper
	AccountID uint64 `json:"accountId"`
	MarketID  uint64 `json:"marketId"`
	Proof     string `json:"proof"` // hex-encoded price proof
}

// CancelRequest cancels a pending order with a price proof.
type CancelRequest struct {
	Caller    string `json:"caller"`
	AccountID uint64 `json:"accountId"`
	MarketID  uint64 `json:"marketId"`
	Proof     string `json:"proof"`
}

// CancelStaleRequest removes a stale order; no proof needed.
type CancelStaleRequest struct {
	Caller    string `json:"caller"`
	AccountID uint64 `json:"accountId"`
	MarketID  uint64 `json:"marketId"`
}

// OpenAccountRequest opens a margin account for an owner address.
type OpenAccountRequest struct {
	Owner string `json:"owner"`
}

// DepositRequest adds USD collateral to an account.
type DepositRequest struct {
	AccountID uint64          `json:"accountId"`
	AmountUsd decimal.Decimal `json:"amountUsd"`
}

// MarketInfo is a market's static configuration.
type MarketInfo struct {
	ID                  uint64          `json:"id"`
	Symbol              string          `json:"symbol"`
	SettlementDelaySec  int64           `json:"settlementDelaySec"`
	SettlementWindowSec int64           `json:"settlementWindowSec"`
	PriceTolerance      decimal.Decimal `json:"priceTolerance"`
	MakerFeeBps         int64           `json:"makerFeeBps"`
	TakerFeeBps         int64           `json:"takerFeeBps"`
	BaseKeeperFeeUsd    decimal.Decimal `json:"baseKeeperFeeUsd"`
	MaxMarketSize       decimal.Decimal `json:"maxMarketSize"`
}

// ErrorResponse carries the engine's wire error identifier verbatim in
// Error; clients dispatch on it.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable"`
}

// OpenAccountResponse returns the freshly allocated account id.
type OpenAccountResponse struct {
	AccountID uint64 `json:"accountId"`
}

// StatusResponse is the health check body.
type StatusResponse struct {
	Status        string `json:"status"`
	Markets       int    `json:"markets"`
	Accounts      int    `json:"accounts"`
	PendingOrders int    `json:"pendingOrders"`
	JournalLen    uint64 `json:"journalLen"`
}
