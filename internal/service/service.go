package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/aggregate"
	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/storage"
)

// Alert listing limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// swapPrecision is the number of decimal places kept when dividing prices.
const swapPrecision = 18

// LatestReader serves the most recent cached price of a symbol.
type LatestReader interface {
	GetLatest(ctx context.Context, symbol asset.Symbol) (storage.PricePoint, bool, error)
}

// Publisher accepts price events without blocking.
type Publisher interface {
	Publish(ev events.PriceObserved) error
}

// Options wire the service's collaborators. Only Prices and Alerts are required.
type Options struct {
	Prices storage.PriceStore
	Alerts storage.AlertStore
	Cache  LatestReader
	Bus    Publisher
	Clock  func() time.Time
}

// Service is the application facade over alerts, price history and simulation.
type Service struct {
	prices   storage.PriceStore
	alerts   storage.AlertStore
	cache    LatestReader
	bus      Publisher
	now      func() time.Time
	validate *validator.Validate
	logger   zerolog.Logger
}

// New constructs the service.
func New(opts Options, logger zerolog.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		prices:   opts.Prices,
		alerts:   opts.Alerts,
		cache:    opts.Cache,
		bus:      opts.Bus,
		now:      opts.Clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// CreateAlert registers a one-shot alert that fires when symbol trades at or
// above target.
func (s *Service) CreateAlert(ctx context.Context, symbol, target, email string) (storage.Alert, error) {
	sym, err := asset.Parse(symbol)
	if err != nil {
		return storage.Alert{}, invalid("symbol", "%s", err)
	}
	price, err := parseStorablePrice("target", target)
	if err != nil {
		return storage.Alert{}, err
	}
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return storage.Alert{}, invalid("email", "%q is not a valid email address", email)
	}

	alert := storage.Alert{
		ID:             uuid.New(),
		Symbol:         sym,
		TargetUSDPrice: price,
		Email:          email,
		CreatedAt:      s.now(),
	}
	if err := s.alerts.Create(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("symbol", string(sym)).Msg("failed to create alert")
		return storage.Alert{}, fmt.Errorf("%w: create alert: %v", ErrPersistence, err)
	}

	s.logger.Info().Str("alert_id", alert.ID.String()).
		Str("symbol", string(sym)).
		Str("target_usd_price", price.String()).
		Msg("alert created")
	return alert, nil
}

// AlertQuery selects one page of an owner's alerts. Zero values take defaults.
type AlertQuery struct {
	Email   string
	Limit   int
	Skip    int
	OrderBy string
	Order   string
}

// FetchAlerts returns a page of alerts owned by email and the owner's total.
func (s *Service) FetchAlerts(ctx context.Context, q AlertQuery) ([]storage.Alert, int64, error) {
	page, err := normalisePage(q)
	if err != nil {
		return nil, 0, err
	}
	email := strings.TrimSpace(q.Email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, 0, invalid("email", "%q is not a valid email address", email)
	}

	alerts, total, err := s.alerts.FindByOwner(ctx, email, page)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch alerts")
		return nil, 0, ErrFetchFailed
	}
	return alerts, total, nil
}

func normalisePage(q AlertQuery) (storage.Page, error) {
	page := storage.Page{Limit: q.Limit, Skip: q.Skip, OrderBy: q.OrderBy, Order: storage.OrderAsc}
	if page.Limit == 0 {
		page.Limit = DefaultLimit
	}
	if page.Limit < 1 || page.Limit > MaxLimit {
		return page, invalid("limit", "must be between 1 and %d", MaxLimit)
	}
	if page.Skip < 0 {
		return page, invalid("skip", "cannot be negative")
	}

	switch strings.ToLower(strings.TrimSpace(page.OrderBy)) {
	case "", storage.SortCreatedAt:
		page.OrderBy = storage.SortCreatedAt
	case storage.SortTargetPrice:
		page.OrderBy = storage.SortTargetPrice
	case storage.SortSymbol:
		page.OrderBy = storage.SortSymbol
	default:
		return page, invalid("orderBy", "must be one of %s, %s, %s", storage.SortCreatedAt, storage.SortTargetPrice, storage.SortSymbol)
	}

	switch strings.ToUpper(strings.TrimSpace(q.Order)) {
	case "", string(storage.OrderAsc):
		page.Order = storage.OrderAsc
	case string(storage.OrderDesc):
		page.Order = storage.OrderDesc
	default:
		return page, invalid("order", "must be ASC or DESC")
	}
	return page, nil
}

// FetchHourly returns the closing price of each of the 24 hours before now.
func (s *Service) FetchHourly(ctx context.Context, symbol string, now time.Time) (aggregate.HourlyView, error) {
	sym, err := asset.Parse(symbol)
	if err != nil {
		return aggregate.HourlyView{}, invalid("symbol", "%s", err)
	}
	if now.IsZero() {
		now = s.now()
	}
	from, to := aggregate.WindowFor(now)
	points, err := s.prices.Query(ctx, sym, from, to)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", string(sym)).Msg("failed to query hourly prices")
		return aggregate.HourlyView{}, ErrFetchFailed
	}
	return aggregate.Hourly(sym, now, points), nil
}

// SimulatePrice publishes a synthetic observation through the event bus. The
// price is never persisted.
func (s *Service) SimulatePrice(ctx context.Context, symbol, price string) (events.PriceObserved, error) {
	sym, err := asset.Parse(symbol)
	if err != nil {
		return events.PriceObserved{}, invalid("symbol", "%s", err)
	}
	value, err := parsePositive("price", price)
	if err != nil {
		return events.PriceObserved{}, err
	}
	if s.bus == nil {
		return events.PriceObserved{}, ErrBusNotRunning
	}
	if err := ctx.Err(); err != nil {
		return events.PriceObserved{}, err
	}

	now := s.now()
	ev := events.PriceObserved{
		Point: storage.PricePoint{
			Symbol:          sym,
			USDPrice:        value,
			SourceTimestamp: now,
			RecordedAt:      now,
		},
		Simulated: true,
	}
	if err := s.bus.Publish(ev); err != nil {
		return events.PriceObserved{}, fmt.Errorf("publish simulated price: %w", err)
	}
	s.logger.Info().Str("symbol", string(sym)).Str("usd_price", value.String()).Msg("simulated price published")
	return ev, nil
}

// SwapQuote converts Amount of From into To at the latest known USD prices.
type SwapQuote struct {
	From       asset.Symbol
	To         asset.Symbol
	Amount     decimal.Decimal
	Rate       decimal.Decimal
	Result     decimal.Decimal
	FromUSD    decimal.Decimal
	ToUSD      decimal.Decimal
	FromPriced time.Time
	ToPriced   time.Time
}

// SwapRate quotes a conversion between two assets without fees.
func (s *Service) SwapRate(ctx context.Context, from, to, amount string) (SwapQuote, error) {
	fromSym, err := asset.Parse(from)
	if err != nil {
		return SwapQuote{}, invalid("from", "%s", err)
	}
	toSym, err := asset.Parse(to)
	if err != nil {
		return SwapQuote{}, invalid("to", "%s", err)
	}
	qty, err := parsePositive("amount", amount)
	if err != nil {
		return SwapQuote{}, err
	}

	fromPoint, err := s.latest(ctx, fromSym)
	if err != nil {
		return SwapQuote{}, err
	}
	toPoint, err := s.latest(ctx, toSym)
	if err != nil {
		return SwapQuote{}, err
	}

	rate := fromPoint.USDPrice.DivRound(toPoint.USDPrice, swapPrecision)
	return SwapQuote{
		From:       fromSym,
		To:         toSym,
		Amount:     qty,
		Rate:       rate,
		Result:     qty.Mul(fromPoint.USDPrice).DivRound(toPoint.USDPrice, swapPrecision),
		FromUSD:    fromPoint.USDPrice,
		ToUSD:      toPoint.USDPrice,
		FromPriced: fromPoint.SourceTimestamp,
		ToPriced:   toPoint.SourceTimestamp,
	}, nil
}

func (s *Service) latest(ctx context.Context, sym asset.Symbol) (storage.PricePoint, error) {
	if s.cache != nil {
		point, ok, err := s.cache.GetLatest(ctx, sym)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", string(sym)).Msg("latest price cache lookup failed")
		} else if ok && point.USDPrice.IsPositive() {
			return point, nil
		}
	}

	point, ok, err := s.prices.LatestAtOrBefore(ctx, sym, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", string(sym)).Msg("failed to load latest price")
		return storage.PricePoint{}, ErrFetchFailed
	}
	if !ok || !point.USDPrice.IsPositive() {
		return storage.PricePoint{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, sym)
	}
	return point, nil
}

// Prune deletes price points recorded before now minus olderThan.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, invalid("olderThan", "must be positive")
	}
	cutoff := s.now().Add(-olderThan)
	removed, err := s.prices.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: prune prices: %v", ErrPersistence, err)
	}
	s.logger.Info().Time("cutoff", cutoff).Int64("removed", removed).Msg("old prices pruned")
	return removed, nil
}

func parsePositive(field, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, invalid(field, "%q is not a number", raw)
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, invalid(field, "must be greater than zero")
	}
	return value, nil
}

// parseStorablePrice accepts positive values that the price columns hold exactly.
func parseStorablePrice(field, raw string) (decimal.Decimal, error) {
	value, err := parsePositive(field, raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !value.Equal(value.Truncate(storage.PriceScale)) {
		return decimal.Decimal{}, invalid(field, "at most %d decimal places are supported", storage.PriceScale)
	}
	if value.GreaterThanOrEqual(storage.MaxPrice) {
		return decimal.Decimal{}, invalid(field, "must be less than %s", storage.MaxPrice.String())
	}
	return value, nil
}
