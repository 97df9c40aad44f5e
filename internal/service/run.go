package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/scheduler"
)

// RetentionOptions control the periodic pruning job.
type RetentionOptions struct {
	Enabled  bool
	MaxAge   time.Duration
	Schedule string
}

// Worker is the long-running part of the system: the sampling loop, the event
// bus feeding the dispatcher, and the optional retention job.
type Worker struct {
	Scheduler *scheduler.Scheduler
	Tick      scheduler.TickFunc
	Bus       *events.Bus
	Handler   events.Handler
	Retention RetentionOptions
}

// Run blocks until ctx is cancelled, then drains the bus. A cancelled context
// is a clean shutdown and returns nil.
func (s *Service) Run(ctx context.Context, w Worker) error {
	if w.Scheduler == nil || w.Tick == nil {
		return fmt.Errorf("scheduler not configured")
	}
	log := s.logger.With().Str("phase", "run").Logger()

	if w.Bus != nil && w.Handler != nil {
		w.Bus.Start(ctx, w.Handler)
		defer w.Bus.Close()
	}

	if w.Retention.Enabled {
		runner := scheduler.NewCronRunner(ctx, s.logger)
		maxAge := w.Retention.MaxAge
		if err := runner.Add("retention", w.Retention.Schedule, func(ctx context.Context) error {
			_, err := s.Prune(ctx, maxAge)
			return err
		}); err != nil {
			return err
		}
		runner.Start()
		defer runner.Stop()
	}

	log.Info().Bool("retention", w.Retention.Enabled).Msg("sampling loop started")
	err := w.Scheduler.Run(ctx, w.Tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("sampling loop stopped")
	return nil
}
