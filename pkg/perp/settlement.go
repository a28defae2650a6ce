package perp

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/keeperlabs/perpcore/pkg/journal"
	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
)

// Settle validates the pending order of (accountID, marketID) against a
// freshly resolved oracle price and finalizes it: realized PnL and fees
// move through the margin ledger, the order clears, and one OrderSettled
// entry lands in the journal. Permissionless; the caller earns the keeper
// fee. Every check runs before the first mutation, so a failure leaves
// no state behind.
func (e *Engine) Settle(caller common.Address, accountID margin.AccountID, marketID market.ID, priceProof []byte) error {
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

	// The proof must carry the price published at the order's settlement
	// time; the publish time is embedded in and verified against the proof.
	price, err := e.oracle.Resolve(m.FeedID, priceProof, order.SettlementTime(m))
	if err != nil {
		e.log.Infow("price_proof_rejected", "account", accountID, "market", marketID, "err", err)
		return ErrInvalidPriceProof
	}

	skew := e.book.Skew(marketID)
	fillPrice := m.FillPrice(price, skew, order.SizeDelta)

	// Inside the window the order is settleable iff the unfavorable
	// deviation stays within tolerance; a stale order is never settleable.
	// Both rejections surface as the tolerance error so keepers pivot to
	// the cancellation path.
	if order.Stale(m, now) || toleranceExceeded(m, order.SizeDelta, fillPrice, order.LimitPrice) {
		return &PriceToleranceNotExceededError{
			SizeDelta:  order.SizeDelta,
			FillPrice:  fillPrice,
			LimitPrice: order.LimitPrice,
		}
	}

	orderFee := orderFeeUsd(m, skew, order.SizeDelta, fillPrice)
	keeperFee := keeperFeeUsd(m, order.KeeperFeeBufferUsd)

	// Clear before touching the ledger: if a write fails midway the order
	// is gone and a retried settle gets OrderNotFound instead of applying
	// the fill twice.
	if err := e.book.Clear(accountID, marketID); err != nil {
		return err
	}

	realized, err := e.ledger.ApplyFill(accountID, marketID, order.SizeDelta, fillPrice)
	if err != nil {
		return err
	}
	switch {
	case realized.Sign() > 0:
		if err := e.ledger.CreditUsd(accountID, realized); err != nil {
			return err
		}
	case realized.Sign() < 0:
		if err := e.ledger.DebitUsd(accountID, realized.Neg()); err != nil {
			return err
		}
	}
	if err := e.ledger.DebitUsd(accountID, orderFee.Add(keeperFee)); err != nil {
		return err
	}
	if err := e.creditKeeper(caller, keeperFee); err != nil {
		return err
	}

	if err := e.book.ApplySkew(marketID, order.SizeDelta); err != nil {
		return err
	}

	if _, err := e.journal.Append(journal.Entry{
		Type:           journal.OrderSettled,
		AccountID:      accountID,
		MarketID:       marketID,
		KeeperFeeUsd:   keeperFee,
		CommitmentTime: order.CommitmentTime.Unix(),
		SizeDelta:      order.SizeDelta,
		FillPrice:      fillPrice,
		At:             now.Unix(),
	}); err != nil {
		return err
	}

	settledTotal.WithLabelValues(m.Symbol).Inc()
	e.log.Infow("order_settled",
		"account", accountID, "market", marketID,
		"size_delta", order.SizeDelta, "fill_price", fillPrice,
		"order_fee_usd", orderFee, "keeper_fee_usd", keeperFee,
		"realized_pnl_usd", realized)
	return nil
}
