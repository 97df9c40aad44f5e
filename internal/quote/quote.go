package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
)

// ErrUnavailable wraps every failure to obtain a quote from a source.
var ErrUnavailable = errors.New("quote source unavailable")

// Quote is a USD price valid at SourceTime.
type Quote struct {
	USDPrice   decimal.Decimal
	SourceTime time.Time
}

// Source retrieves current USD prices for tracked assets.
type Source interface {
	GetPrice(ctx context.Context, symbol asset.Symbol) (Quote, error)
}

func unavailable(symbol asset.Symbol, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
}

// symbolMap normalises config-provided keys (viper lowercases them) into symbols.
func symbolMap(raw map[string]string) (map[asset.Symbol]string, error) {
	out := make(map[asset.Symbol]string, len(raw))
	for key, value := range raw {
		sym, err := asset.Parse(key)
		if err != nil {
			return nil, err
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out[sym] = value
	}
	return out, nil
}
