package app

import (
	"context"
	"fmt"
)

// SimulateOptions describe a synthetic price observation.
type SimulateOptions struct {
	Symbol string
	Price  string
}

// Simulate pushes a synthetic price through the dispatcher exactly as a sampled
// price would travel, without persisting it. Matching target alerts fire and
// are removed; the surge check runs against stored history.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	dispatcher, err := a.newDispatcher(st)
	if err != nil {
		return err
	}
	bus := a.newBus()
	bus.Start(ctx, dispatcher)

	ev, err := a.newService(st, bus).SimulatePrice(ctx, opts.Symbol, opts.Price)
	// Close drains the queue so the dispatcher has handled the event before we return.
	bus.Close()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "simulated %s (%s) at $%s\n", ev.Point.Name(), ev.Point.Symbol, ev.Point.USDPrice.String())
	return nil
}
