// Package perp owns the lifecycle of the single pending order each
// (account, market) pair may hold: commitment, delayed settlement against
// a verified oracle price, tolerance-based cancellation, and staleness
// cancellation. Margin bookkeeping and price verification are consumed
// through narrow interfaces; this package only drives the state machine
// and its fee arithmetic.
package perp

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/keeperlabs/perpcore/pkg/journal"
	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
	"github.com/keeperlabs/perpcore/pkg/util"
)

// MarginLedger is the slice of the margin system the engine consumes.
// It never computes collateral discounting itself.
type MarginLedger interface {
	Has(id margin.AccountID) bool
	Owner(id margin.AccountID) (common.Address, bool)
	AccountByOwner(owner common.Address) (margin.AccountID, bool)
	CreditUsd(id margin.AccountID, amount decimal.Decimal) error
	DebitUsd(id margin.AccountID, amount decimal.Decimal) error
	Digest(id margin.AccountID, marketID market.ID) (margin.Digest, error)
	ApplyFill(id margin.AccountID, marketID market.ID, sizeDelta, fillPrice decimal.Decimal) (decimal.Decimal, error)
}

// PriceOracle resolves a verified price for a feed at a requested publish
// time. Any verification failure surfaces to callers as InvalidPriceProof.
type PriceOracle interface {
	Resolve(feedID uint64, proofBytes []byte, requestedPublishTime time.Time) (decimal.Decimal, error)
}

// Markets looks up immutable market configuration.
type Markets interface {
	Get(id market.ID) (*market.Market, bool)
}

// Engine drives all order transitions. External calls run to completion
// under one mutex, matching the serialized single-writer transaction model
// the state machine assumes; there is no partial interleaving of a
// settlement and a cancellation on the same order.
type Engine struct {
	mu sync.Mutex

	markets Markets
	ledger  MarginLedger
	oracle  PriceOracle
	book    *OrderBook
	journal *journal.Journal
	clock   util.Clock
	log     *zap.SugaredLogger
}

// NewEngine wires the order engine.
func NewEngine(markets Markets, ledger MarginLedger, oracle PriceOracle, book *OrderBook, j *journal.Journal, clock util.Clock, log *zap.SugaredLogger) *Engine {
	return &Engine{
		markets: markets,
		ledger:  ledger,
		oracle:  oracle,
		book:    book,
		journal: j,
		clock:   clock,
		log:     log,
	}
}

// Commit stores a new pending order for (accountID, marketID) with
// commitmentTime = now. Only the account owner may commit; a caller who
// does not own the account gets AccountNotFound, indistinguishable from a
// missing account. Commit has no side effect beyond storage and the
// journal entry.
func (e *Engine) Commit(caller common.Address, accountID margin.AccountID, marketID market.ID, sizeDelta, limitPrice, keeperFeeBufferUsd decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets.Get(marketID)
	if !ok {
		return &MarketNotFoundError{MarketID: marketID}
	}
	owner, ok := e.ledger.Owner(accountID)
	if !ok || owner != caller {
		return &AccountNotFoundError{AccountID: accountID}
	}
	if existing := e.book.Get(accountID, marketID); existing.Exists() {
		return ErrOrderAlreadyPending
	}
	if sizeDelta.IsZero() {
		return ErrNilOrder
	}
	if limitPrice.Sign() <= 0 {
		return ErrNilOrder
	}
	if keeperFeeBufferUsd.IsNegative() {
		return ErrNilOrder
	}
	if m.MaxMarketSize.Sign() > 0 && sizeDelta.Abs().GreaterThan(m.MaxMarketSize) {
		return ErrMaxMarketSizeExceeded
	}

	now := e.clock.Now()
	order := Order{
		SizeDelta:          sizeDelta,
		LimitPrice:         limitPrice,
		KeeperFeeBufferUsd: keeperFeeBufferUsd,
		CommitmentTime:     now,
	}
	if err := e.book.Put(accountID, marketID, order); err != nil {
		return err
	}

	if _, err := e.journal.Append(journal.Entry{
		Type:           journal.OrderCommitted,
		AccountID:      accountID,
		MarketID:       marketID,
		KeeperFeeUsd:   decimal.Zero,
		CommitmentTime: now.Unix(),
		SizeDelta:      sizeDelta,
		At:             now.Unix(),
	}); err != nil {
		return err
	}

	committedTotal.WithLabelValues(m.Symbol).Inc()
	e.log.Infow("order_committed",
		"account", accountID, "market", marketID,
		"size_delta", sizeDelta, "limit_price", limitPrice)
	return nil
}

// GetOrderDigest returns the pending order projection. IsStale is
// evaluated against the current time at the call.
func (e *Engine) GetOrderDigest(accountID margin.AccountID, marketID market.ID) (OrderDigest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets.Get(marketID)
	if !ok {
		return OrderDigest{}, &MarketNotFoundError{MarketID: marketID}
	}
	if !e.ledger.Has(accountID) {
		return OrderDigest{}, &AccountNotFoundError{AccountID: accountID}
	}

	return e.orderDigestLocked(m, accountID), nil
}

// GetAccountDigest combines the order digest with the margin balances.
func (e *Engine) GetAccountDigest(accountID margin.AccountID, marketID market.ID) (AccountDigest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets.Get(marketID)
	if !ok {
		return AccountDigest{}, &MarketNotFoundError{MarketID: marketID}
	}
	if !e.ledger.Has(accountID) {
		return AccountDigest{}, &AccountNotFoundError{AccountID: accountID}
	}

	md, err := e.ledger.Digest(accountID, marketID)
	if err != nil {
		return AccountDigest{}, err
	}
	return AccountDigest{
		Order:         e.orderDigestLocked(m, accountID),
		CollateralUsd: md.CollateralUsd,
		DebtUsd:       md.DebtUsd,
	}, nil
}

func (e *Engine) orderDigestLocked(m *market.Market, accountID margin.AccountID) OrderDigest {
	order := e.book.Get(accountID, m.ID)
	if !order.Exists() {
		return OrderDigest{SizeDelta: decimal.Zero}
	}
	return OrderDigest{
		SizeDelta:      order.SizeDelta,
		CommitmentTime: order.CommitmentTime.Unix(),
		IsStale:        order.Stale(m, e.clock.Now()),
	}
}

// creditKeeper pays the keeper fee to the caller's margin account when one
// exists. A keeper without an account forfeits the fee to the protocol;
// the debit from the trader stands either way so incentives stay priced.
func (e *Engine) creditKeeper(caller common.Address, fee decimal.Decimal) error {
	if fee.IsZero() {
		return nil
	}
	keeperAcc, ok := e.ledger.AccountByOwner(caller)
	if !ok {
		e.log.Infow("keeper_fee_unclaimed", "caller", caller.Hex(), "fee_usd", fee)
		return nil
	}
	return e.ledger.CreditUsd(keeperAcc, fee)
}
