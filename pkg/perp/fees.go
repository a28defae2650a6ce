package perp

import (
	"github.com/shopspring/decimal"

	"github.com/keeperlabs/perpcore/pkg/market"
)

var (
	bpsDivisor = decimal.NewFromInt(10000)
	oneHundred = decimal.NewFromInt(100)
)

// unfavorableDeviation measures how far the fill price moved beyond the
// limit price in the direction the trader loses on: above the limit for a
// long, below it for a short. Favorable movement is clamped to zero.
func unfavorableDeviation(sizeDelta, fillPrice, limitPrice decimal.Decimal) decimal.Decimal {
	var dev decimal.Decimal
	if sizeDelta.Sign() > 0 {
		dev = fillPrice.Sub(limitPrice)
	} else {
		dev = limitPrice.Sub(fillPrice)
	}
	if dev.Sign() < 0 {
		return decimal.Zero
	}
	return dev
}

// toleranceExceeded is the settle/cancel partition gate: inside the
// settlement window an order is settleable exactly when this is false and
// tolerance-cancelable exactly when it is true. The tolerance band is
// relative to the limit price.
func toleranceExceeded(m *market.Market, sizeDelta, fillPrice, limitPrice decimal.Decimal) bool {
	allowed := limitPrice.Abs().Mul(m.PriceTolerance)
	return unfavorableDeviation(sizeDelta, fillPrice, limitPrice).GreaterThan(allowed)
}

// orderFeeUsd computes the fee charged on a settled fill: notional times
// the maker rate when the fill reduces market skew, the taker rate when it
// expands it.
func orderFeeUsd(m *market.Market, skew, sizeDelta, fillPrice decimal.Decimal) decimal.Decimal {
	notional := sizeDelta.Abs().Mul(fillPrice)
	bps := m.TakerFeeBps
	if m.ReducesSkew(skew, sizeDelta) {
		bps = m.MakerFeeBps
	}
	return notional.Mul(decimal.NewFromInt(bps)).Div(bpsDivisor)
}

// keeperFeeUsd computes what the trader pays a third-party keeper for
// performing settlement or tolerance cancellation. The protocol base fee
// gets a profit margin, is clamped to the market's [min, max] band, and is
// finally capped by base + the trader's buffer so a trader always bounds
// their own worst case.
func keeperFeeUsd(m *market.Market, bufferUsd decimal.Decimal) decimal.Decimal {
	fee := m.BaseKeeperFeeUsd.Mul(
		decimal.NewFromInt(1).Add(m.KeeperProfitMarginPercent.Div(oneHundred)),
	)
	if fee.LessThan(m.MinKeeperFeeUsd) {
		fee = m.MinKeeperFeeUsd
	}
	if fee.GreaterThan(m.MaxKeeperFeeUsd) {
		fee = m.MaxKeeperFeeUsd
	}

	capUsd := m.BaseKeeperFeeUsd.Add(bufferUsd)
	if fee.GreaterThan(capUsd) {
		fee = capUsd
	}
	return fee
}
