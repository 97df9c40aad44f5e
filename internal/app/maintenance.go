package app

import (
	"context"
	"fmt"
	"time"
)

// SwapOptions describe a conversion quote request.
type SwapOptions struct {
	From   string
	To     string
	Amount string
}

// Swap prints how much of one asset an amount of another converts to.
func (a *App) Swap(ctx context.Context, opts SwapOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	q, err := a.newService(st, nil).SwapRate(ctx, opts.From, opts.To, opts.Amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s %s = %s %s (rate %s)\n",
		q.Amount.String(), q.From, q.Result.StringFixed(8), q.To, q.Rate.StringFixed(8))
	fmt.Fprintf(a.Out, "%s: $%s at %s\n%s: $%s at %s\n",
		q.From, q.FromUSD.String(), q.FromPriced.UTC().Format(time.RFC3339),
		q.To, q.ToUSD.String(), q.ToPriced.UTC().Format(time.RFC3339))
	return nil
}

// Prune removes price points older than olderThan, or the configured retention age.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		olderThan = a.Config.Retention.MaxAge
	}
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	removed, err := a.newService(st, nil).Prune(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "removed %d price points older than %s\n", removed, olderThan)
	return nil
}

// SampleOnce runs a single sampling tick immediately and prints the outcome.
func (a *App) SampleOnce(ctx context.Context) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	src, closeSource, err := a.newSource()
	if err != nil {
		return err
	}
	defer closeSource()

	dispatcher, err := a.newDispatcher(st)
	if err != nil {
		return err
	}
	bus := a.newBus()
	bus.Start(ctx, dispatcher)
	defer bus.Close()

	smp, err := a.newSampler(st, src, bus)
	if err != nil {
		return err
	}
	report, err := smp.Tick(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(a.Out, "tick skipped: advisory lock held by another instance")
		return nil
	}
	for _, o := range report.Outcomes {
		if o.OK() {
			fmt.Fprintf(a.Out, "%s\t$%s\t%s\n", o.Symbol, o.Point.USDPrice.String(), o.Point.SourceTimestamp.UTC().Format(time.RFC3339))
			continue
		}
		fmt.Fprintf(a.Out, "%s\tfailed (%s): %v\n", o.Symbol, o.Stage, o.Err)
	}
	if report.Persisted() == 0 {
		return fmt.Errorf("no prices sampled")
	}
	return nil
}
