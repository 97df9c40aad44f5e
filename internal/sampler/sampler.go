package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/quote"
	"crypto-price-alerts/internal/storage"
)

// LatestWriter receives every persisted point; implemented by the Redis cache.
type LatestWriter interface {
	SetLatest(ctx context.Context, point storage.PricePoint) error
}

// Publisher accepts price events without blocking.
type Publisher interface {
	Publish(ev events.PriceObserved) error
}

// Stage names where a symbol's sampling stopped.
type Stage string

const (
	StageQuote     Stage = "quote"
	StagePersist   Stage = "persist"
	StagePublished Stage = "published"
	StageDropped   Stage = "dropped"
)

// Outcome is the result of sampling one symbol.
type Outcome struct {
	Symbol asset.Symbol
	Stage  Stage
	Point  storage.PricePoint
	Err    error
}

// OK reports whether the price was persisted.
func (o Outcome) OK() bool {
	return o.Stage == StagePublished || o.Stage == StageDropped
}

// TickReport summarises one sampling tick.
type TickReport struct {
	At       time.Time
	Skipped  bool
	Outcomes []Outcome
}

// Persisted counts symbols whose price reached the store.
func (r TickReport) Persisted() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Options wire the sampler's collaborators.
type Options struct {
	Source       quote.Source
	Store        storage.PriceStore
	Cache        LatestWriter
	Bus          Publisher
	Symbols      []asset.Symbol
	FetchTimeout time.Duration
	Locker       storage.AdvisoryLocker
	LockKey      int64
}

// Sampler fetches, persists and announces the price of every tracked symbol.
type Sampler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Sampler.
func New(opts Options, logger zerolog.Logger) (*Sampler, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("sampler: quote source not configured")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("sampler: price store not configured")
	}
	if len(opts.Symbols) == 0 {
		opts.Symbols = asset.All()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Sampler{opts: opts, logger: logger.With().Str("component", "sampler").Logger()}, nil
}

// Tick samples all symbols concurrently and returns once every symbol has
// settled. A failing symbol never affects the others.
func (s *Sampler) Tick(ctx context.Context, at time.Time) (TickReport, error) {
	report := TickReport{At: at}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	report.Outcomes = make([]Outcome, len(s.opts.Symbols))
	var g errgroup.Group
	for i, symbol := range s.opts.Symbols {
		g.Go(func() error {
			report.Outcomes[i] = s.sample(ctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().Time("tick", at).
		Int("symbols", len(report.Outcomes)).
		Int("persisted", report.Persisted()).
		Msg("tick complete")
	return report, nil
}

// Run adapts Tick to the scheduler's callback signature.
func (s *Sampler) Run(ctx context.Context, at time.Time) error {
	_, err := s.Tick(ctx, at)
	return err
}

func (s *Sampler) sample(ctx context.Context, symbol asset.Symbol) Outcome {
	out := Outcome{Symbol: symbol}
	log := s.logger.With().Str("symbol", string(symbol)).Logger()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	q, err := s.opts.Source.GetPrice(fetchCtx, symbol)
	cancel()
	if err != nil {
		if !errors.Is(err, quote.ErrUnavailable) {
			err = fmt.Errorf("%w: %s: %v", quote.ErrUnavailable, symbol, err)
		}
		log.Warn().Err(err).Msg("quote source unavailable")
		out.Stage, out.Err = StageQuote, err
		return out
	}

	point, err := s.opts.Store.Append(ctx, storage.PricePoint{
		Symbol:          symbol,
		USDPrice:        q.USDPrice,
		SourceTimestamp: q.SourceTime.UTC(),
		RecordedAt:      time.Now().UTC(),
	})
	if err != nil {
		err = fmt.Errorf("persist price: %w", err)
		log.Error().Err(err).Str("usd_price", q.USDPrice.String()).Msg("failed to persist price")
		out.Stage, out.Err = StagePersist, err
		return out
	}
	out.Point = point

	if s.opts.Cache != nil {
		if err := s.opts.Cache.SetLatest(ctx, point); err != nil {
			log.Warn().Err(err).Msg("failed to update latest price cache")
		}
	}

	if s.opts.Bus == nil {
		out.Stage = StagePublished
		return out
	}
	if err := s.opts.Bus.Publish(events.PriceObserved{Point: point}); err != nil {
		log.Warn().Err(err).Msg("price event dropped")
		out.Stage, out.Err = StageDropped, err
		return out
	}

	log.Debug().Str("usd_price", point.USDPrice.String()).
		Time("source_ts", point.SourceTimestamp).
		Msg("price recorded")
	out.Stage = StagePublished
	return out
}

func (s *Sampler) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return unlock, acquired, nil
}
