package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cometABIJSON = `[
{"inputs":[],"name":"getUtilization","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"utilization","type":"uint256"}],"name":"getSupplyRate","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"utilization","type":"uint256"}],"name":"getBorrowRate","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"}
]`

	secondsPerYear = 60 * 60 * 24 * 365
)

var (
	cometABI abi.ABI

	yearPercent = decimal.NewFromInt(secondsPerYear * 100)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(cometABIJSON))
	if err != nil {
		panic("failed to parse Comet ABI: " + err.Error())
	}
	cometABI = parsed
}

// CometMarket identifies one Compound v3 market contract.
type CometMarket struct {
	ChainID      int64
	RPCURL       string
	CometAddress string
	AssetSymbol  string
	AssetAddress string
}

// CometOptions parameterise the on-chain fetcher.
type CometOptions struct {
	Markets []CometMarket
	Timeout time.Duration
}

// DialFunc opens a contract caller for an RPC endpoint.
type DialFunc func(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error)

// Comet reads supply and borrow rates straight from Compound v3 Comet contracts.
type Comet struct {
	opts      CometOptions
	logger    zerolog.Logger
	dial      DialFunc
	clients   map[string]ethereum.ContractCaller
	clientMux sync.Mutex
}

// NewComet builds an on-chain market data provider.
func NewComet(opts CometOptions, logger zerolog.Logger) *Comet {
	return &Comet{
		opts:    opts,
		logger:  logger.With().Str("component", "comet_fetcher").Logger(),
		dial:    dialEthClient,
		clients: make(map[string]ethereum.ContractCaller),
	}
}

// WithDialer replaces how RPC connections are opened.
func (c *Comet) WithDialer(dial DialFunc) *Comet {
	c.dial = dial
	return c
}

func dialEthClient(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// FetchMarketRates reads every configured market. Any failing market fails the fetch.
func (c *Comet) FetchMarketRates(ctx context.Context) ([]MarketData, error) {
	if len(c.opts.Markets) == 0 {
		return nil, errors.New("no comet markets configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	rates := make([]MarketData, 0, len(c.opts.Markets))
	for _, m := range c.opts.Markets {
		supply, borrow, err := c.readMarket(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("comet %s on chain %d: %w", m.CometAddress, m.ChainID, err)
		}
		rates = append(rates, MarketData{
			ChainID:      m.ChainID,
			AssetAddress: common.HexToAddress(m.AssetAddress).Hex(),
			AssetSymbol:  m.AssetSymbol,
			SupplyAPY:    supply,
			BorrowAPY:    borrow,
		})
	}
	return rates, nil
}

func (c *Comet) readMarket(ctx context.Context, m CometMarket) (decimal.Decimal, decimal.Decimal, error) {
	if !common.IsHexAddress(m.CometAddress) {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("invalid comet address %q", m.CometAddress)
	}

	client, err := c.getClient(ctx, m.RPCURL)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	addr := common.HexToAddress(m.CometAddress)

	utilization, err := callUint64(ctx, client, addr, "getUtilization")
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	util := new(big.Int).SetUint64(utilization)

	supplyRate, err := callUint64(ctx, client, addr, "getSupplyRate", util)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	borrowRate, err := callUint64(ctx, client, addr, "getBorrowRate", util)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	c.logger.Debug().Int64("chain_id", m.ChainID).
		Str("asset", m.AssetSymbol).
		Uint64("utilization", utilization).
		Uint64("supply_rate", supplyRate).
		Uint64("borrow_rate", borrowRate).
		Msg("comet rates read")

	return annualize(supplyRate), annualize(borrowRate), nil
}

// annualize turns a per-second rate scaled by 1e18 into a yearly percentage.
func annualize(perSecond uint64) decimal.Decimal {
	rate := decimal.NewFromBigInt(new(big.Int).SetUint64(perSecond), -18)
	return rate.Mul(yearPercent).Round(6)
}

func callUint64(ctx context.Context, client ethereum.ContractCaller, addr common.Address, method string, args ...interface{}) (uint64, error) {
	payload, err := cometABI.Pack(method, args...)
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := cometABI.Unpack(method, res)
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("unexpected %s response", method)
	}

	value, ok := outputs[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

func (c *Comet) getClient(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error) {
	if rpcURL == "" {
		return nil, errors.New("rpc url not configured")
	}

	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if client, ok := c.clients[rpcURL]; ok {
		return client, nil
	}

	client, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	c.clients[rpcURL] = client
	return client, nil
}

var _ MarketRateFetcher = (*Comet)(nil)
