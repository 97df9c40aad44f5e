package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// SurgeOptions configure the trailing-window surge check.
type SurgeOptions struct {
	Enabled      bool
	Symbol       asset.Symbol
	ThresholdPct decimal.Decimal
	Lookback     time.Duration
	Cooldown     time.Duration
	Destination  string
}

// DispatcherOptions wire the dispatcher's collaborators.
type DispatcherOptions struct {
	Prices        storage.PriceStore
	Alerts        storage.AlertStore
	Notifier      Notifier
	SurgeNotifier Notifier
	Surge         SurgeOptions
	SendTimeout   time.Duration
	Clock         func() time.Time
}

// Dispatcher reacts to observed prices: it fires and removes matching target
// alerts and sends cooldown-gated surge notifications to the operator.
type Dispatcher struct {
	prices        storage.PriceStore
	alerts        storage.AlertStore
	notifier      Notifier
	surgeNotifier Notifier
	surge         SurgeOptions
	sendTimeout   time.Duration
	cooldown      *Cooldown
	now           func() time.Time
	logger        zerolog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.SurgeNotifier == nil {
		opts.SurgeNotifier = opts.Notifier
	}
	return &Dispatcher{
		prices:        opts.Prices,
		alerts:        opts.Alerts,
		notifier:      opts.Notifier,
		surgeNotifier: opts.SurgeNotifier,
		surge:         opts.Surge,
		sendTimeout:   opts.SendTimeout,
		cooldown:      NewCooldown(opts.Surge.Cooldown),
		now:           opts.Clock,
		logger:        logger.With().Str("component", "dispatcher").Logger(),
	}
}

// HandlePrice runs the target and surge paths for one event. Failures are logged.
func (d *Dispatcher) HandlePrice(ctx context.Context, ev events.PriceObserved) {
	point := ev.Point
	log := d.logger.With().Str("symbol", string(point.Symbol)).
		Str("usd_price", point.USDPrice.String()).
		Bool("simulated", ev.Simulated).
		Logger()

	if _, err := d.FireTargets(ctx, point); err != nil {
		log.Error().Err(err).Msg("target alert processing failed")
	}
	if _, err := d.CheckSurge(ctx, point); err != nil {
		log.Error().Err(err).Msg("surge check failed")
	}
}

// FireTargets claims every alert on point's symbol whose target is at or below
// the price and notifies each owner. Claiming deletes the alerts before any
// send, so an alert is notified at most once even when events overlap. It
// returns the number of alerts claimed.
func (d *Dispatcher) FireTargets(ctx context.Context, point storage.PricePoint) (int, error) {
	if d.alerts == nil {
		return 0, nil
	}

	claimed, err := d.alerts.ClaimByThreshold(ctx, point.Symbol, point.USDPrice)
	if err != nil {
		return 0, fmt.Errorf("claim alerts by threshold: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	subject := fmt.Sprintf("%s (%s) price alert", point.Name(), point.Symbol)
	failures := make([]error, len(claimed))
	var g errgroup.Group
	for i, alert := range claimed {
		g.Go(func() error {
			body := targetBody(point, alert)
			failures[i] = d.send(ctx, d.notifier, alert.Email, subject, body)
			return nil
		})
	}
	_ = g.Wait()

	sent := 0
	for i, alert := range claimed {
		if failures[i] != nil {
			d.logger.Warn().Err(failures[i]).
				Str("alert_id", alert.ID.String()).
				Str("email", alert.Email).
				Msg("target alert notification failed")
			continue
		}
		sent++
	}

	d.logger.Info().Str("symbol", string(point.Symbol)).
		Int("matched", len(claimed)).
		Int("sent", sent).
		Msg("target alerts fired")
	return len(claimed), nil
}

// SurgeResult describes the outcome of one surge check.
type SurgeResult int

const (
	SurgeSkipped SurgeResult = iota
	SurgeNoHistory
	SurgeBelowThreshold
	SurgeCoolingDown
	SurgeNotified
)

func (r SurgeResult) String() string {
	switch r {
	case SurgeNoHistory:
		return "no_history"
	case SurgeBelowThreshold:
		return "below_threshold"
	case SurgeCoolingDown:
		return "cooling_down"
	case SurgeNotified:
		return "notified"
	default:
		return "skipped"
	}
}

// CheckSurge compares point to the newest price at least Lookback older and
// notifies the operator when the rise reaches the threshold outside the cooldown.
func (d *Dispatcher) CheckSurge(ctx context.Context, point storage.PricePoint) (SurgeResult, error) {
	if !d.surge.Enabled || point.Symbol != d.surge.Symbol || d.prices == nil {
		return SurgeSkipped, nil
	}

	ref, ok, err := d.prices.LatestAtOrBefore(ctx, point.Symbol, point.SourceTimestamp.Add(-d.surge.Lookback))
	if err != nil {
		return SurgeSkipped, fmt.Errorf("load surge reference: %w", err)
	}
	if !ok {
		return SurgeNoHistory, nil
	}

	change, ok := PercentChange(ref.USDPrice, point.USDPrice)
	if !ok || change.LessThan(d.surge.ThresholdPct) {
		return SurgeBelowThreshold, nil
	}

	now := d.now()
	if !d.cooldown.Allow(point.Symbol, now) {
		last, _ := d.cooldown.Last(point.Symbol)
		d.logger.Info().Str("symbol", string(point.Symbol)).
			Str("change_pct", change.StringFixed(2)).
			Time("last_notified", last).
			Msg("surge within cooldown; notification suppressed")
		return SurgeCoolingDown, nil
	}

	subject := fmt.Sprintf("%s (%s) up %s%% in %d min", point.Name(), point.Symbol, change.StringFixed(2), int(d.surge.Lookback.Minutes()))
	body := surgeBody(point, ref, change, d.surge.ThresholdPct)
	if err := d.send(ctx, d.surgeNotifier, d.surge.Destination, subject, body); err != nil {
		d.logger.Warn().Err(err).Str("symbol", string(point.Symbol)).Msg("surge notification failed")
	} else {
		d.logger.Info().Str("symbol", string(point.Symbol)).
			Str("change_pct", change.StringFixed(2)).
			Msg("surge notification sent")
	}
	return SurgeNotified, nil
}

// PercentChange returns (current-reference)/reference*100. ok is false for a
// non-positive reference.
func PercentChange(reference, current decimal.Decimal) (decimal.Decimal, bool) {
	if !reference.IsPositive() {
		return decimal.Zero, false
	}
	return current.Sub(reference).Div(reference).Mul(hundred), true
}

func (d *Dispatcher) send(ctx context.Context, n Notifier, to, subject, body string) error {
	if n == nil {
		return fmt.Errorf("notifier not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return n.Send(ctx, to, subject, body)
}

func targetBody(point storage.PricePoint, alert storage.Alert) string {
	return fmt.Sprintf("%s (%s) is now $%s, at or above your target of $%s.\nObserved at %s UTC.",
		point.Name(), point.Symbol,
		point.USDPrice.String(),
		alert.TargetUSDPrice.String(),
		point.SourceTimestamp.UTC().Format(time.RFC3339),
	)
}

func surgeBody(point, ref storage.PricePoint, change, threshold decimal.Decimal) string {
	return fmt.Sprintf("%s (%s) rose %s%% (threshold %s%%).\nNow: $%s at %s UTC\nReference: $%s at %s UTC",
		point.Name(), point.Symbol,
		change.StringFixed(2), threshold.String(),
		point.USDPrice.String(), point.SourceTimestamp.UTC().Format(time.RFC3339),
		ref.USDPrice.String(), ref.SourceTimestamp.UTC().Format(time.RFC3339),
	)
}

var _ events.Handler = (*Dispatcher)(nil)
