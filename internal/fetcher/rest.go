package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RESTOptions parameterise the HTTP market data provider.
type RESTOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// REST fetches market rates from a JSON endpoint returning one entry per chain/asset.
type REST struct {
	opts    RESTOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewREST constructs an HTTP market data provider.
func NewREST(opts RESTOptions, logger zerolog.Logger) *REST {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &REST{
		opts:    opts,
		logger:  logger.With().Str("component", "rest_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchMarketRates performs a GET against the configured endpoint.
func (r *REST) FetchMarketRates(ctx context.Context) ([]MarketData, error) {
	if r.baseURL == "" {
		return nil, errors.New("market.base_url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "defi-alerts/1.0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var entries []rateEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode market rates: %w", err)
	}

	rates := make([]MarketData, 0, len(entries))
	for i, e := range entries {
		if e.ChainID <= 0 || !common.IsHexAddress(e.AssetAddress) {
			r.logger.Warn().Int("index", i).Int64("chain_id", e.ChainID).Str("asset_address", e.AssetAddress).Msg("skip malformed market rate entry")
			continue
		}
		rates = append(rates, MarketData{
			ChainID:      e.ChainID,
			AssetAddress: common.HexToAddress(e.AssetAddress).Hex(),
			AssetSymbol:  e.Asset,
			SupplyAPY:    e.NetEarnAPY,
			BorrowAPY:    e.NetBorrowAPY,
		})
	}

	r.logger.Debug().Int("markets", len(rates)).Msg("market rates fetched")
	return rates, nil
}

type rateEntry struct {
	ChainID      int64           `json:"chainId"`
	Asset        string          `json:"asset"`
	AssetAddress string          `json:"assetAddress"`
	NetEarnAPY   decimal.Decimal `json:"netEarnAPY"`
	NetBorrowAPY decimal.Decimal `json:"netBorrowAPY"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("market api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("market api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("market api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("market api error (%d)", status)
}

var _ MarketRateFetcher = (*REST)(nil)
