package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketData is the current supply and borrow APY of one asset on one chain, in percent.
type MarketData struct {
	ChainID      int64
	AssetAddress string
	AssetSymbol  string
	SupplyAPY    decimal.Decimal
	BorrowAPY    decimal.Decimal
}

// MarketRateFetcher retrieves current lending market rates.
type MarketRateFetcher interface {
	FetchMarketRates(ctx context.Context) ([]MarketData, error)
}
