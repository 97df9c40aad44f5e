package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronRunner runs maintenance jobs on cron expressions that include a seconds field.
type CronRunner struct {
	cron    *cron.Cron
	baseCtx context.Context
	logger  zerolog.Logger
}

// NewCronRunner builds a runner whose jobs receive baseCtx.
func NewCronRunner(baseCtx context.Context, logger zerolog.Logger) *CronRunner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &CronRunner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		baseCtx: baseCtx,
		logger:  logger.With().Str("component", "cron").Logger(),
	}
}

// Add registers job under name on the cron expression spec.
func (r *CronRunner) Add(name, spec string, job func(context.Context) error) error {
	_, err := r.cron.AddFunc(spec, func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Str("job", name).Msg("cron job panicked")
			}
		}()
		if err := job(r.baseCtx); err != nil {
			r.logger.Error().Err(err).Str("job", name).Msg("cron job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	r.logger.Info().Str("job", name).Str("schedule", spec).Msg("cron job registered")
	return nil
}

// Start begins running registered jobs in the background.
func (r *CronRunner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *CronRunner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("cron stopped")
}
