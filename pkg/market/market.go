package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ID identifies a market. Markets are created from configuration and their
// economic parameters never change mid-transition.
type ID uint64

// Market defines all parameters for a perpetual market whose orders settle
// asynchronously against an oracle price (e.g., "ETH-PERP").
type Market struct {
	ID     ID     // numeric market id, unique
	Symbol string // "ETH-PERP"
	FeedID uint64 // oracle price feed this market settles against

	// Order lifecycle windows.
	//
	// A committed order is not settleable before commitmentTime +
	// SettlementDelay and can no longer be settled once commitmentTime +
	// SettlementWindow has passed (it is then stale and may only be removed).
	SettlementDelay  time.Duration
	SettlementWindow time.Duration

	// PriceTolerance is the maximum relative deviation of the fill price
	// beyond the trader's limit price, in the direction unfavorable to the
	// trader, for settlement to proceed. 0.02 = 2%.
	PriceTolerance decimal.Decimal

	// SkewScale divides market skew when computing the fill-price premium.
	// Larger values mean less price impact per unit of size.
	SkewScale decimal.Decimal

	// Order fees in basis points of fill notional. Orders that reduce skew
	// pay the maker rate, orders that expand it pay the taker rate.
	MakerFeeBps int64
	TakerFeeBps int64

	// Keeper compensation for settling or cancelling on a trader's behalf,
	// all in USD. The computed fee is clamped to [MinKeeperFeeUsd,
	// MaxKeeperFeeUsd] and never exceeds BaseKeeperFeeUsd plus the
	// trader-supplied buffer.
	BaseKeeperFeeUsd          decimal.Decimal
	MinKeeperFeeUsd           decimal.Decimal
	MaxKeeperFeeUsd           decimal.Decimal
	KeeperProfitMarginPercent decimal.Decimal

	// MaxMarketSize caps the absolute size of any single order.
	MaxMarketSize decimal.Decimal
}

// FillPrice computes the price an order of sizeDelta would fill at, given
// the oracle price and the current market skew (sum of settled size deltas).
// The premium moves against the side that expands skew:
//
//	fillPrice = oraclePrice * (1 + (skew + sizeDelta/2) / skewScale)
//
// A buy into positive skew pays a premium, a sell into positive skew
// receives one.
func (m *Market) FillPrice(oraclePrice, skew, sizeDelta decimal.Decimal) decimal.Decimal {
	if m.SkewScale.IsZero() {
		return oraclePrice
	}
	half := sizeDelta.Div(decimal.NewFromInt(2))
	premium := skew.Add(half).Div(m.SkewScale)
	return oraclePrice.Mul(decimal.NewFromInt(1).Add(premium))
}

// ReducesSkew reports whether filling sizeDelta moves the market skew
// towards zero. Skew-reducing orders pay the maker fee rate.
func (m *Market) ReducesSkew(skew, sizeDelta decimal.Decimal) bool {
	after := skew.Add(sizeDelta)
	return after.Abs().LessThan(skew.Abs())
}

// Validate checks the economic parameters hold together.
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("market %d: empty symbol", m.ID)
	}
	if m.SettlementDelay <= 0 {
		return fmt.Errorf("market %d: settlement delay must be positive", m.ID)
	}
	if m.SettlementWindow <= m.SettlementDelay {
		return fmt.Errorf("market %d: settlement window (%s) must exceed delay (%s)",
			m.ID, m.SettlementWindow, m.SettlementDelay)
	}
	if m.PriceTolerance.IsNegative() {
		return fmt.Errorf("market %d: negative price tolerance", m.ID)
	}
	if m.SkewScale.IsNegative() {
		return fmt.Errorf("market %d: negative skew scale", m.ID)
	}
	if m.MinKeeperFeeUsd.IsNegative() || m.BaseKeeperFeeUsd.IsNegative() {
		return fmt.Errorf("market %d: negative keeper fee", m.ID)
	}
	if m.MaxKeeperFeeUsd.LessThan(m.MinKeeperFeeUsd) {
		return fmt.Errorf("market %d: max keeper fee %s below min %s",
			m.ID, m.MaxKeeperFeeUsd, m.MinKeeperFeeUsd)
	}
	if m.MaxMarketSize.IsNegative() {
		return fmt.Errorf("market %d: negative max market size", m.ID)
	}
	return nil
}
