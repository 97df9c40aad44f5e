package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
)

const moralisPricePath = "/erc20/%s/price"

// MoralisOptions parameterise the token price REST source.
type MoralisOptions struct {
	BaseURL   string
	APIKey    string
	Chain     string
	Tokens    map[string]string
	UserAgent string
	Timeout   time.Duration
}

// Moralis fetches token USD prices from the Moralis EVM API.
type Moralis struct {
	opts    MoralisOptions
	tokens  map[asset.Symbol]string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewMoralis constructs a Moralis source.
func NewMoralis(opts MoralisOptions, logger zerolog.Logger) (*Moralis, error) {
	tokens, err := symbolMap(opts.Tokens)
	if err != nil {
		return nil, fmt.Errorf("moralis tokens: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://deep-index.moralis.io/api/v2.2"
	}
	if opts.Chain == "" {
		opts.Chain = "eth"
	}

	return &Moralis{
		opts:    opts,
		tokens:  tokens,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "moralis_source").Logger(),
	}, nil
}

// GetPrice requests the token price of the symbol's configured ERC-20 address.
func (m *Moralis) GetPrice(ctx context.Context, symbol asset.Symbol) (Quote, error) {
	if m.opts.APIKey == "" {
		return Quote{}, unavailable(symbol, errors.New("moralis api key not configured"))
	}
	token, ok := m.tokens[symbol]
	if !ok {
		return Quote{}, unavailable(symbol, errors.New("no token address configured"))
	}

	endpoint := m.baseURL + fmt.Sprintf(moralisPricePath, url.PathEscape(token)) + "?chain=" + url.QueryEscape(m.opts.Chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", m.opts.APIKey)
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, unavailable(symbol, parseHTTPError(resp.StatusCode, payload))
	}

	q, err := decodeTokenPrice(payload)
	if err != nil {
		return Quote{}, unavailable(symbol, err)
	}

	m.logger.Debug().Str("symbol", string(symbol)).
		Str("usd_price", q.USDPrice.String()).
		Time("source_ts", q.SourceTime).
		Msg("token price fetched")
	return q, nil
}

type tokenPriceResponse struct {
	USDPrice       json.Number `json:"usdPrice"`
	BlockTimestamp json.Number `json:"blockTimestamp"`
}

func decodeTokenPrice(payload []byte) (Quote, error) {
	var res tokenPriceResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Quote{}, fmt.Errorf("decode token price: %w", err)
	}
	if res.USDPrice == "" {
		return Quote{}, errors.New("usdPrice missing from response")
	}

	price, err := decimal.NewFromString(res.USDPrice.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parse usdPrice: %w", err)
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("non-positive usdPrice %s", price)
	}

	sourceTime := time.Now().UTC()
	if res.BlockTimestamp != "" {
		ms, err := res.BlockTimestamp.Int64()
		if err != nil {
			return Quote{}, fmt.Errorf("parse blockTimestamp: %w", err)
		}
		sourceTime = time.UnixMilli(ms).UTC()
	}

	return Quote{USDPrice: price, SourceTime: sourceTime}, nil
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("moralis api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("moralis api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("moralis api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("moralis api error (%d)", status)
}

var _ Source = (*Moralis)(nil)
