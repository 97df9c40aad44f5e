package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
)

// PricePoint is one observed USD price for one asset. Points are append-only.
type PricePoint struct {
	ID              int64
	Symbol          asset.Symbol
	USDPrice        decimal.Decimal
	SourceTimestamp time.Time
	RecordedAt      time.Time
}

// Name returns the display name derived from the symbol.
func (p PricePoint) Name() string {
	return p.Symbol.Name()
}

// Prices are stored as NUMERIC(18, 8).
const PriceScale = 8

// MaxPrice is the smallest value that no longer fits the price columns.
var MaxPrice = decimal.New(1, 18-PriceScale)

// Alert is a one-shot target price subscription owned by an email address.
type Alert struct {
	ID             uuid.UUID
	Symbol         asset.Symbol
	TargetUSDPrice decimal.Decimal
	Email          string
	CreatedAt      time.Time
}

// Order is a sort direction.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// Alert sort columns accepted by FindByOwner.
const (
	SortCreatedAt   = "created_at"
	SortTargetPrice = "target_usd_price"
	SortSymbol      = "symbol"
)

// Page describes pagination and ordering for owner queries.
type Page struct {
	Limit   int
	Skip    int
	OrderBy string
	Order   Order
}
