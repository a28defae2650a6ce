package params

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/keeperlabs/perpcore/pkg/market"
)

// marketYAML is the on-disk shape of one market definition.
type marketYAML struct {
	ID                        uint64          `yaml:"id"`
	Symbol                    string          `yaml:"symbol"`
	FeedID                    uint64          `yaml:"feed_id"`
	SettlementDelaySec        int64           `yaml:"settlement_delay_sec"`
	SettlementWindowSec       int64           `yaml:"settlement_window_sec"`
	PriceTolerance            decimal.Decimal `yaml:"price_tolerance"`
	SkewScale                 decimal.Decimal `yaml:"skew_scale"`
	MakerFeeBps               int64           `yaml:"maker_fee_bps"`
	TakerFeeBps               int64           `yaml:"taker_fee_bps"`
	BaseKeeperFeeUsd          decimal.Decimal `yaml:"base_keeper_fee_usd"`
	MinKeeperFeeUsd           decimal.Decimal `yaml:"min_keeper_fee_usd"`
	MaxKeeperFeeUsd           decimal.Decimal `yaml:"max_keeper_fee_usd"`
	KeeperProfitMarginPercent decimal.Decimal `yaml:"keeper_profit_margin_percent"`
	MaxMarketSize             decimal.Decimal `yaml:"max_market_size"`
}

type marketsFileYAML struct {
	Markets []marketYAML `yaml:"markets"`
}

// LoadMarkets reads market definitions from a YAML file and validates
// them. Registration into the registry happens at startup.
func LoadMarkets(path string) ([]*market.Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}

	var file marketsFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	if len(file.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s defines no markets", path)
	}

	markets := make([]*market.Market, 0, len(file.Markets))
	for _, y := range file.Markets {
		m := &market.Market{
			ID:                        market.ID(y.ID),
			Symbol:                    y.Symbol,
			FeedID:                    y.FeedID,
			SettlementDelay:           time.Duration(y.SettlementDelaySec) * time.Second,
			SettlementWindow:          time.Duration(y.SettlementWindowSec) * time.Second,
			PriceTolerance:            y.PriceTolerance,
			SkewScale:                 y.SkewScale,
			MakerFeeBps:               y.MakerFeeBps,
			TakerFeeBps:               y.TakerFeeBps,
			BaseKeeperFeeUsd:          y.BaseKeeperFeeUsd,
			MinKeeperFeeUsd:           y.MinKeeperFeeUsd,
			MaxKeeperFeeUsd:           y.MaxKeeperFeeUsd,
			KeeperProfitMarginPercent: y.KeeperProfitMarginPercent,
			MaxMarketSize:             y.MaxMarketSize,
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}
