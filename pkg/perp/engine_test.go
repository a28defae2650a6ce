package perp

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keeperlabs/perpcore/pkg/journal"
	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
	"github.com/keeperlabs/perpcore/pkg/oracle"
)

// fakeClock drives the order lifecycle without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testMarketID = market.ID(1)
	testFeedID   = uint64(7)
)

var (
	traderAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	keeperAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	strayAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type testRig struct {
	engine    *Engine
	clock     *fakeClock
	signer    *oracle.Signer
	ledger    *margin.Ledger
	journal   *journal.Journal
	book      *OrderBook
	registry  *market.Registry
	oracle    *oracle.Adapter
	mkt       *market.Market
	trader    margin.AccountID
	keeperAcc margin.AccountID
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	mkt := &market.Market{
		ID:                        testMarketID,
		Symbol:                    "ETH-PERP",
		FeedID:                    testFeedID,
		SettlementDelay:           12 * time.Second,
		SettlementWindow:          120 * time.Second,
		PriceTolerance:            decimal.RequireFromString("0.02"),
		SkewScale:                 decimal.Zero, // no price impact: fill == oracle price
		MakerFeeBps:               2,
		TakerFeeBps:               6,
		BaseKeeperFeeUsd:          decimal.NewFromInt(2),
		MinKeeperFeeUsd:           decimal.NewFromInt(1),
		MaxKeeperFeeUsd:           decimal.NewFromInt(50),
		KeeperProfitMarginPercent: decimal.NewFromInt(30),
		MaxMarketSize:             decimal.NewFromInt(5000),
	}
	registry := market.NewRegistry()
	require.NoError(t, registry.Register(mkt))

	ledger, err := margin.NewLedger(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	trader, err := ledger.OpenAccount(traderAddr)
	require.NoError(t, err)
	require.NoError(t, ledger.Deposit(trader, decimal.NewFromInt(10_000)))

	keeperAcc, err := ledger.OpenAccount(keeperAddr)
	require.NoError(t, err)

	book, err := OpenBook(filepath.Join(dir, "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })

	j, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	signer, err := oracle.GenerateKey()
	require.NoError(t, err)
	adapter := oracle.NewAdapter(signer.Address(), clock)

	engine := NewEngine(registry, ledger, adapter, book, j, clock, zap.NewNop().Sugar())

	return &testRig{
		engine:    engine,
		clock:     clock,
		signer:    signer,
		ledger:    ledger,
		journal:   j,
		book:      book,
		registry:  registry,
		oracle:    adapter,
		mkt:       mkt,
		trader:    trader,
		keeperAcc: keeperAcc,
	}
}

// commit places a +10 @ limit 100 order unless overridden.
func (r *testRig) commit(t *testing.T, sizeDelta, limitPrice string) {
	t.Helper()
	err := r.engine.Commit(traderAddr, r.trader, testMarketID,
		decimal.RequireFromString(sizeDelta),
		decimal.RequireFromString(limitPrice),
		decimal.NewFromInt(5))
	require.NoError(t, err)
}

// proofAtSettlement signs a proof published exactly at the pending
// order's settlement time.
func (r *testRig) proofAtSettlement(t *testing.T, price string) []byte {
	t.Helper()
	order := r.book.Get(r.trader, testMarketID)
	require.True(t, order.Exists())
	publish := order.SettlementTime(r.mkt)
	proof, err := r.signer.SignProof(testFeedID, decimal.RequireFromString(price), publish)
	require.NoError(t, err)
	return proof
}

func (r *testRig) collateral(t *testing.T, id margin.AccountID) decimal.Decimal {
	t.Helper()
	d, err := r.ledger.Digest(id, testMarketID)
	require.NoError(t, err)
	return d.CollateralUsd
}

func TestCommitRoundTrip(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")

	digest, err := r.engine.GetOrderDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, digest.SizeDelta.Equal(decimal.NewFromInt(10)))
	require.Equal(t, r.clock.Now().Unix(), digest.CommitmentTime)
	require.False(t, digest.IsStale)
}

func TestCommitValidation(t *testing.T) {
	r := newTestRig(t)

	err := r.engine.Commit(traderAddr, r.trader, market.ID(42069),
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.Zero)
	require.EqualError(t, err, "MarketNotFound(42069)")

	err = r.engine.Commit(traderAddr, margin.AccountID(42069), testMarketID,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.Zero)
	require.EqualError(t, err, "AccountNotFound(42069)")

	// A caller who does not own the account is indistinguishable from a
	// missing account.
	err = r.engine.Commit(strayAddr, r.trader, testMarketID,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.Zero)
	require.EqualError(t, err, "AccountNotFound(1)")

	err = r.engine.Commit(traderAddr, r.trader, testMarketID,
		decimal.Zero, decimal.NewFromInt(100), decimal.Zero)
	require.ErrorIs(t, err, ErrNilOrder)

	err = r.engine.Commit(traderAddr, r.trader, testMarketID,
		decimal.NewFromInt(999_999), decimal.NewFromInt(100), decimal.Zero)
	require.ErrorIs(t, err, ErrMaxMarketSizeExceeded)

	r.commit(t, "10", "100")
	err = r.engine.Commit(traderAddr, r.trader, testMarketID,
		decimal.NewFromInt(5), decimal.NewFromInt(100), decimal.Zero)
	require.ErrorIs(t, err, ErrOrderAlreadyPending)
}

func TestSettleBeforeReady(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")

	proof := r.proofAtSettlement(t, "101")
	err := r.engine.Settle(keeperAddr, r.trader, testMarketID, proof)
	require.ErrorIs(t, err, ErrOrderNotReady)
	require.True(t, IsRetriable(err))
}

func TestSettleWithinTolerance(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	proof := r.proofAtSettlement(t, "101") // 1% above limit, inside 2% band

	r.clock.Advance(13 * time.Second)
	traderBefore := r.collateral(t, r.trader)
	keeperBefore := r.collateral(t, r.keeperAcc)

	require.NoError(t, r.engine.Settle(keeperAddr, r.trader, testMarketID, proof))

	digest, err := r.engine.GetOrderDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, digest.SizeDelta.IsZero())

	// keeper fee: clamp(2 * 1.3, 1, 50) = 2.6, cap 2 + 5 buffer.
	keeperFee := decimal.RequireFromString("2.6")
	require.True(t, r.collateral(t, r.keeperAcc).Sub(keeperBefore).Equal(keeperFee),
		"keeper should earn the keeper fee")

	// order fee: |10| * 101 * 6bps = 0.606 (opening expands skew: taker).
	orderFee := decimal.RequireFromString("0.606")
	wantTrader := traderBefore.Sub(orderFee).Sub(keeperFee)
	require.True(t, r.collateral(t, r.trader).Equal(wantTrader),
		"trader collateral: got %s want %s", r.collateral(t, r.trader), wantTrader)

	// Exactly one OrderSettled entry after the commit entry.
	var entries []journal.Entry
	require.NoError(t, r.journal.Range(1, 0, func(e journal.Entry) bool {
		entries = append(entries, e)
		return true
	}))
	require.Len(t, entries, 2)
	require.Equal(t, journal.OrderCommitted, entries[0].Type)
	require.Equal(t, journal.OrderSettled, entries[1].Type)
	require.True(t, entries[1].KeeperFeeUsd.Equal(keeperFee))
	require.True(t, entries[1].FillPrice.Equal(decimal.NewFromInt(101)))

	require.True(t, r.book.Skew(testMarketID).Equal(decimal.NewFromInt(10)))
}

func TestSettleAndCancelAreMutuallyExclusive(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	withinProof := r.proofAtSettlement(t, "101")
	beyondProof := r.proofAtSettlement(t, "105")

	r.clock.Advance(13 * time.Second)

	// Price inside tolerance: cancel refuses, settle would succeed.
	err := r.engine.CancelOrder(keeperAddr, r.trader, testMarketID, withinProof)
	require.EqualError(t, err, "PriceToleranceNotExceeded(10, 101, 100)")
	require.True(t, IsRetriable(err))

	// Price beyond tolerance: settle refuses with the same error type.
	err = r.engine.Settle(keeperAddr, r.trader, testMarketID, beyondProof)
	require.EqualError(t, err, "PriceToleranceNotExceeded(10, 105, 100)")

	// ...and cancel succeeds, charging a keeper fee.
	traderBefore := r.collateral(t, r.trader)
	keeperBefore := r.collateral(t, r.keeperAcc)
	require.NoError(t, r.engine.CancelOrder(keeperAddr, r.trader, testMarketID, beyondProof))

	keeperFee := decimal.RequireFromString("2.6")
	require.True(t, r.collateral(t, r.keeperAcc).Sub(keeperBefore).Equal(keeperFee))
	require.True(t, traderBefore.Sub(r.collateral(t, r.trader)).Equal(keeperFee))

	digest, err := r.engine.GetOrderDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, digest.SizeDelta.IsZero())

	var last journal.Entry
	require.NoError(t, r.journal.Range(1, 0, func(e journal.Entry) bool {
		last = e
		return true
	}))
	require.Equal(t, journal.OrderCanceled, last.Type)
	require.True(t, last.KeeperFeeUsd.Equal(keeperFee))
}

func TestLateWindowTransitions(t *testing.T) {
	// Deep into the settlement window the proof is over a minute old, yet
	// the partition still holds: an in-tolerance price settles, a
	// beyond-tolerance price cancels. Nothing inside the window may be
	// rejected for proof age alone.
	t.Run("settle", func(t *testing.T) {
		r := newTestRig(t)
		r.commit(t, "10", "100")
		proof := r.proofAtSettlement(t, "101")

		r.clock.Advance(80 * time.Second)
		require.NoError(t, r.engine.Settle(keeperAddr, r.trader, testMarketID, proof))
	})

	t.Run("cancel", func(t *testing.T) {
		r := newTestRig(t)
		r.commit(t, "10", "100")
		proof := r.proofAtSettlement(t, "105")

		r.clock.Advance(80 * time.Second)
		require.NoError(t, r.engine.CancelOrder(keeperAddr, r.trader, testMarketID, proof))
	})
}

func TestShortSideTolerance(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "-10", "100")

	// For a short, a lower fill is the unfavorable direction.
	beyondProof := r.proofAtSettlement(t, "97")
	r.clock.Advance(13 * time.Second)

	err := r.engine.Settle(keeperAddr, r.trader, testMarketID, beyondProof)
	require.EqualError(t, err, "PriceToleranceNotExceeded(-10, 97, 100)")
	require.NoError(t, r.engine.CancelOrder(keeperAddr, r.trader, testMarketID, beyondProof))
}

func TestStaleOrder(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	commitTime := r.clock.Now().Unix()
	proof := r.proofAtSettlement(t, "101")

	// Not stale yet: cancelStaleOrder refuses.
	r.clock.Advance(13 * time.Second)
	err := r.engine.CancelStaleOrder(keeperAddr, r.trader, testMarketID)
	require.ErrorIs(t, err, ErrOrderNotStale)

	r.clock.Advance(120 * time.Second)

	digest, err := r.engine.GetOrderDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, digest.IsStale)

	// A settleable price no longer settles once stale.
	err = r.engine.Settle(keeperAddr, r.trader, testMarketID, proof)
	var tolErr *PriceToleranceNotExceededError
	require.ErrorAs(t, err, &tolErr)

	// Anyone may remove the stale order, fee-free, no margin mutation.
	traderBefore := r.collateral(t, r.trader)
	require.NoError(t, r.engine.CancelStaleOrder(strayAddr, r.trader, testMarketID))
	require.True(t, r.collateral(t, r.trader).Equal(traderBefore))

	digest, err = r.engine.GetOrderDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, digest.SizeDelta.IsZero())
	require.False(t, digest.IsStale, "isStale resets once the order is cleared")

	var last journal.Entry
	require.NoError(t, r.journal.Range(1, 0, func(e journal.Entry) bool {
		last = e
		return true
	}))
	require.Equal(t, journal.OrderCanceled, last.Type)
	require.True(t, last.KeeperFeeUsd.IsZero())
	require.Equal(t, commitTime, last.CommitmentTime)
}

func TestCancelOrderOnStaleIsFeeFree(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	proof := r.proofAtSettlement(t, "105")

	r.clock.Advance(140 * time.Second) // past the window

	traderBefore := r.collateral(t, r.trader)
	require.NoError(t, r.engine.CancelOrder(keeperAddr, r.trader, testMarketID, proof))
	require.True(t, r.collateral(t, r.trader).Equal(traderBefore),
		"stale branch of cancelOrder never charges a fee")

	var last journal.Entry
	require.NoError(t, r.journal.Range(1, 0, func(e journal.Entry) bool {
		last = e
		return true
	}))
	require.True(t, last.KeeperFeeUsd.IsZero())
}

func TestCancelValidationOrder(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	proof := r.proofAtSettlement(t, "101")
	r.clock.Advance(13 * time.Second)

	// Unknown market wins over everything else.
	err := r.engine.CancelOrder(keeperAddr, r.trader, market.ID(42069), proof)
	require.EqualError(t, err, "MarketNotFound(42069)")
	require.False(t, IsRetriable(err))

	err = r.engine.CancelOrder(keeperAddr, margin.AccountID(42069), testMarketID, proof)
	require.EqualError(t, err, "AccountNotFound(42069)")

	// cancelStaleOrder masks the account lookup as OrderNotFound.
	err = r.engine.CancelStaleOrder(keeperAddr, margin.AccountID(42069), testMarketID)
	require.ErrorIs(t, err, ErrOrderNotFound)

	// No order at all.
	err = r.engine.CancelOrder(keeperAddr, r.keeperAcc, testMarketID, proof)
	require.ErrorIs(t, err, ErrOrderNotFound)

	err = r.engine.CancelStaleOrder(keeperAddr, r.keeperAcc, testMarketID)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelBeforeReady(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	proof := r.proofAtSettlement(t, "105")

	err := r.engine.CancelOrder(keeperAddr, r.trader, testMarketID, proof)
	require.ErrorIs(t, err, ErrOrderNotReady)
}

func TestInvalidPriceProof(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")
	r.clock.Advance(13 * time.Second)

	// Signed by an untrusted key.
	rogue, err := oracle.GenerateKey()
	require.NoError(t, err)
	order := r.book.Get(r.trader, testMarketID)
	forged, err := rogue.SignProof(testFeedID, decimal.NewFromInt(101), order.SettlementTime(r.mkt))
	require.NoError(t, err)

	err = r.engine.Settle(keeperAddr, r.trader, testMarketID, forged)
	require.ErrorIs(t, err, ErrInvalidPriceProof)
	require.True(t, IsRetriable(err))

	// Right signer, wrong publish time.
	wrongTime, err := r.signer.SignProof(testFeedID, decimal.NewFromInt(101),
		order.SettlementTime(r.mkt).Add(3*time.Second))
	require.NoError(t, err)
	err = r.engine.Settle(keeperAddr, r.trader, testMarketID, wrongTime)
	require.ErrorIs(t, err, ErrInvalidPriceProof)

	// Garbage bytes.
	err = r.engine.Settle(keeperAddr, r.trader, testMarketID, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidPriceProof)

	// A failed settlement leaves the order untouched.
	digest, err := r.engine.GetOrderDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.False(t, digest.SizeDelta.IsZero())
}

func TestRealizedPnlOnClose(t *testing.T) {
	r := newTestRig(t)

	// Open long 10 at 100.
	r.commit(t, "10", "100")
	open := r.proofAtSettlement(t, "100")
	r.clock.Advance(13 * time.Second)
	require.NoError(t, r.engine.Settle(keeperAddr, r.trader, testMarketID, open))

	// Close at 110: +100 realized, credited before fees.
	before := r.collateral(t, r.trader)
	r.commit(t, "-10", "110")
	c := r.proofAtSettlement(t, "110")
	r.clock.Advance(13 * time.Second)
	require.NoError(t, r.engine.Settle(keeperAddr, r.trader, testMarketID, c))

	keeperFee := decimal.RequireFromString("2.6")
	// Closing reduces skew back to zero: maker rate. |10| * 110 * 2bps = 0.22.
	orderFee := decimal.RequireFromString("0.22")
	pnl := decimal.NewFromInt(100)
	want := before.Add(pnl).Sub(orderFee).Sub(keeperFee)
	require.True(t, r.collateral(t, r.trader).Equal(want),
		"got %s want %s", r.collateral(t, r.trader), want)
	require.True(t, r.book.Skew(testMarketID).IsZero())
}

func TestKeeperFeeDebitAccruesDebt(t *testing.T) {
	r := newTestRig(t)

	// A trader with almost no collateral still pays cancellation fees,
	// as debt.
	poorOwner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	poor, err := r.ledger.OpenAccount(poorOwner)
	require.NoError(t, err)
	require.NoError(t, r.ledger.Deposit(poor, decimal.NewFromInt(1)))

	require.NoError(t, r.engine.Commit(poorOwner, poor, testMarketID,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(5)))
	order := r.book.Get(poor, testMarketID)
	proof, err := r.signer.SignProof(testFeedID, decimal.NewFromInt(105), order.SettlementTime(r.mkt))
	require.NoError(t, err)

	r.clock.Advance(13 * time.Second)
	require.NoError(t, r.engine.CancelOrder(keeperAddr, poor, testMarketID, proof))

	d, err := r.ledger.Digest(poor, testMarketID)
	require.NoError(t, err)
	require.True(t, d.CollateralUsd.IsZero())
	require.True(t, d.DebtUsd.Equal(decimal.RequireFromString("1.6")),
		"fee 2.6 against 1 collateral leaves 1.6 debt, got %s", d.DebtUsd)
}

// debitFailLedger fails the first DebitUsd to exercise mid-transition
// write failures.
type debitFailLedger struct {
	*margin.Ledger
	failed bool
}

func (l *debitFailLedger) DebitUsd(id margin.AccountID, amount decimal.Decimal) error {
	if !l.failed {
		l.failed = true
		return errors.New("store write failed")
	}
	return l.Ledger.DebitUsd(id, amount)
}

func TestFailedFeeDebitDoesNotDoubleCharge(t *testing.T) {
	r := newTestRig(t)
	flaky := &debitFailLedger{Ledger: r.ledger}
	engine := NewEngine(r.registry, flaky, r.oracle, r.book, r.journal, r.clock, zap.NewNop().Sugar())

	require.NoError(t, engine.Commit(traderAddr, r.trader, testMarketID,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(5)))
	proof := r.proofAtSettlement(t, "105")
	r.clock.Advance(13 * time.Second)

	before := r.collateral(t, r.trader)
	require.Error(t, engine.CancelOrder(keeperAddr, r.trader, testMarketID, proof))

	// The failed transfer consumed the order: a retry cannot debit again.
	err := engine.CancelOrder(keeperAddr, r.trader, testMarketID, proof)
	require.ErrorIs(t, err, ErrOrderNotFound)
	require.True(t, r.collateral(t, r.trader).Equal(before),
		"trader must not be charged across the failed cancel and its retry")
}

func TestFailedSettleDoesNotDoubleFill(t *testing.T) {
	r := newTestRig(t)
	flaky := &debitFailLedger{Ledger: r.ledger}
	engine := NewEngine(r.registry, flaky, r.oracle, r.book, r.journal, r.clock, zap.NewNop().Sugar())

	require.NoError(t, engine.Commit(traderAddr, r.trader, testMarketID,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(5)))
	proof := r.proofAtSettlement(t, "101")
	r.clock.Advance(13 * time.Second)

	require.Error(t, engine.Settle(keeperAddr, r.trader, testMarketID, proof))

	// The fill landed once; the retry finds no order to settle again.
	err := engine.Settle(keeperAddr, r.trader, testMarketID, proof)
	require.ErrorIs(t, err, ErrOrderNotFound)

	pos, err := r.ledger.Position(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, pos.Size.Equal(decimal.NewFromInt(10)),
		"fill applied exactly once, got size %s", pos.Size)
}

func TestAccountDigest(t *testing.T) {
	r := newTestRig(t)
	r.commit(t, "10", "100")

	digest, err := r.engine.GetAccountDigest(r.trader, testMarketID)
	require.NoError(t, err)
	require.True(t, digest.Order.SizeDelta.Equal(decimal.NewFromInt(10)))
	require.True(t, digest.CollateralUsd.Equal(decimal.NewFromInt(10_000)))
	require.True(t, digest.DebtUsd.IsZero())

	_, err = r.engine.GetAccountDigest(r.trader, market.ID(42069))
	require.EqualError(t, err, "MarketNotFound(42069)")
}
