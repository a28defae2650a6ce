package perp

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/journal"
	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
)

// CancelOrder removes a pending order once it can no longer settle.
// Permissionless: anyone may cancel, so a stuck order always has a
// liveness path even if the trader disappears.
//
// Two branches share the entry point:
//   - stale order: succeeds unconditionally with zero keeper fee (the
//     canonical stale path is CancelStaleOrder; this branch just doesn't
//     punish a keeper who raced the window).
//   - inside the window: succeeds only when the fill price moved beyond
//     tolerance against the trader, i.e. exactly when Settle would refuse.
//     The keeper fee is debited from the trader's margin.
func (e *Engine) CancelOrder(caller common.Address, accountID margin.AccountID, marketID market.ID, priceProof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets.Get(marketID)
	if !ok {
		return &MarketNotFoundError{MarketID: marketID}
	}
	if !e.ledger.Has(accountID) {
		return &AccountNotFoundError{AccountID: accountID}
	}

	order := e.book.Get(accountID, marketID)
	if !order.Exists() {
		return ErrOrderNotFound
	}

	now := e.clock.Now()
	if now.Before(order.SettlementTime(m)) {
		return ErrOrderNotReady
	}

	price, err := e.oracle.Resolve(m.FeedID, priceProof, order.SettlementTime(m))
	if err != nil {
		e.log.Infow("price_proof_rejected", "account", accountID, "market", marketID, "err", err)
		return ErrInvalidPriceProof
	}

	if order.Stale(m, now) {
		return e.removeOrderLocked(m, accountID, order, decimal.Zero, now.Unix(), "stale")
	}

	fillPrice := m.FillPrice(price, e.book.Skew(marketID), order.SizeDelta)
	if !toleranceExceeded(m, order.SizeDelta, fillPrice, order.LimitPrice) {
		// The price is still acceptable: the order must be settled, not
		// canceled. Same error type as settlement's failure mode.
		return &PriceToleranceNotExceededError{
			SizeDelta:  order.SizeDelta,
			FillPrice:  fillPrice,
			LimitPrice: order.LimitPrice,
		}
	}

	// Clear before the fee transfer: if a ledger write fails midway the
	// order is gone and a retried cancel gets OrderNotFound instead of
	// debiting the trader a second time.
	keeperFee := keeperFeeUsd(m, order.KeeperFeeBufferUsd)
	if err := e.book.Clear(accountID, marketID); err != nil {
		return err
	}
	if err := e.ledger.DebitUsd(accountID, keeperFee); err != nil {
		return err
	}
	if err := e.creditKeeper(caller, keeperFee); err != nil {
		return err
	}

	return e.finishCancelLocked(m, accountID, order, keeperFee, now.Unix(), "tolerance")
}

// CancelStaleOrder removes an order whose settlement window has passed.
// No price proof, no fee, no margin mutation: this path exists purely to
// free the account's single-order slot. An unknown account id is reported
// as OrderNotFound, not AccountNotFound; this entry point answers "is
// there a stale order here", nothing else.
func (e *Engine) CancelStaleOrder(caller common.Address, accountID margin.AccountID, marketID market.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets.Get(marketID)
	if !ok {
		return &MarketNotFoundError{MarketID: marketID}
	}
	if !e.ledger.Has(accountID) {
		return ErrOrderNotFound
	}

	order := e.book.Get(accountID, marketID)
	if !order.Exists() {
		return ErrOrderNotFound
	}

	now := e.clock.Now()
	if !order.Stale(m, now) {
		return ErrOrderNotStale
	}

	return e.removeOrderLocked(m, accountID, order, decimal.Zero, now.Unix(), "stale")
}

// removeOrderLocked clears the order slot and records the cancellation.
// Only the fee-free paths use it; the tolerance path clears the slot
// itself before the fee transfer.
func (e *Engine) removeOrderLocked(m *market.Market, accountID margin.AccountID, order Order, keeperFee decimal.Decimal, at int64, reason string) error {
	if err := e.book.Clear(accountID, m.ID); err != nil {
		return err
	}
	return e.finishCancelLocked(m, accountID, order, keeperFee, at, reason)
}

// finishCancelLocked appends the OrderCanceled entry and bumps the
// counters once the slot is cleared and any fee has moved.
func (e *Engine) finishCancelLocked(m *market.Market, accountID margin.AccountID, order Order, keeperFee decimal.Decimal, at int64, reason string) error {
	if _, err := e.journal.Append(journal.Entry{
		Type:           journal.OrderCanceled,
		AccountID:      accountID,
		MarketID:       m.ID,
		KeeperFeeUsd:   keeperFee,
		CommitmentTime: order.CommitmentTime.Unix(),
		SizeDelta:      order.SizeDelta,
		At:             at,
	}); err != nil {
		return err
	}

	canceledTotal.WithLabelValues(m.Symbol, reason).Inc()
	e.log.Infow("order_canceled",
		"account", accountID, "market", m.ID,
		"reason", reason, "keeper_fee_usd", keeperFee)
	return nil
}
