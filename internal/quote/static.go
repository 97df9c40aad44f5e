package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
)

// Static serves fixed prices stamped with the current time.
type Static struct {
	mu     sync.RWMutex
	prices map[asset.Symbol]decimal.Decimal
	now    func() time.Time
}

// NewStatic parses a symbol -> decimal string map.
func NewStatic(raw map[string]string) (*Static, error) {
	parsed, err := symbolMap(raw)
	if err != nil {
		return nil, fmt.Errorf("static prices: %w", err)
	}
	prices := make(map[asset.Symbol]decimal.Decimal, len(parsed))
	for sym, value := range parsed {
		price, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("static price for %s: %w", sym, err)
		}
		prices[sym] = price
	}
	return &Static{prices: prices, now: time.Now}, nil
}

// Set overrides the price served for symbol.
func (s *Static) Set(symbol asset.Symbol, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// GetPrice returns the configured price for symbol.
func (s *Static) GetPrice(_ context.Context, symbol asset.Symbol) (Quote, error) {
	s.mu.RLock()
	price, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, unavailable(symbol, errors.New("no static price"))
	}
	return Quote{USDPrice: price, SourceTime: s.now().UTC()}, nil
}

var _ Source = (*Static)(nil)
