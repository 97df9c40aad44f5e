package quote

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

	"crypto-price-alerts/internal/asset"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain price feed source.
type ChainlinkOptions struct {
	RPCURL string
	Feeds  map[string]string
}

// Chainlink reads USD prices from Chainlink aggregator contracts over Ethereum RPC.
type Chainlink struct {
	rpcURL string
	feeds  map[asset.Symbol]common.Address
	logger zerolog.Logger

	mu       sync.Mutex
	client   *ethclient.Client
	decimals map[asset.Symbol]int32
}

// NewChainlink builds a Chainlink source. Feeds are keyed by symbol.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) (*Chainlink, error) {
	raw, err := symbolMap(opts.Feeds)
	if err != nil {
		return nil, fmt.Errorf("chainlink feeds: %w", err)
	}
	feeds := make(map[asset.Symbol]common.Address, len(raw))
	for sym, addr := range raw {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("chainlink feed for %s is not an address: %q", sym, addr)
		}
		feeds[sym] = common.HexToAddress(addr)
	}

	return &Chainlink{
		rpcURL:   opts.RPCURL,
		feeds:    feeds,
		logger:   logger.With().Str("component", "chainlink_source").Logger(),
		decimals: make(map[asset.Symbol]int32),
	}, nil
}

// GetPrice returns the latest round answer of the symbol's feed.
func (c *Chainlink) GetPrice(ctx context.Context, symbol asset.Symbol) (Quote, error) {
	if c.rpcURL == "" {
		return Quote{}, unavailable(symbol, errors.New("ethereum rpc url not configured"))
	}
	feed, ok := c.feeds[symbol]
	if !ok {
		return Quote{}, unavailable(symbol, errors.New("no chainlink feed configured"))
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}

	scale, err := c.feedDecimals(ctx, client, symbol, feed)
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}

	outputs, err := callFeed(ctx, client, feed, "latestRoundData")
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}
	if len(outputs) != 5 {
		return Quote{}, unavailable(symbol, errors.New("unexpected latestRoundData response"))
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, unavailable(symbol, errors.New("failed to decode answer"))
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, unavailable(symbol, errors.New("failed to decode updatedAt"))
	}
	if answer.Sign() <= 0 {
		return Quote{}, unavailable(symbol, fmt.Errorf("non-positive answer %s", answer))
	}

	q := Quote{
		USDPrice:   decimal.NewFromBigInt(answer, -scale),
		SourceTime: time.Unix(updatedAt.Int64(), 0).UTC(),
	}
	c.logger.Debug().Str("symbol", string(symbol)).
		Str("usd_price", q.USDPrice.String()).
		Time("source_ts", q.SourceTime).
		Msg("chainlink round read")
	return q, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, symbol asset.Symbol, feed common.Address) (int32, error) {
	c.mu.Lock()
	scale, ok := c.decimals[symbol]
	c.mu.Unlock()
	if ok {
		return scale, nil
	}

	outputs, err := callFeed(ctx, client, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals")
	}

	c.mu.Lock()
	c.decimals[symbol] = int32(raw)
	c.mu.Unlock()
	return int32(raw), nil
}

func callFeed(ctx context.Context, client *ethclient.Client, feed common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, res)
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC client.
func (c *Chainlink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ Source = (*Chainlink)(nil)
