package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"crypto-price-alerts/internal/service"
)

// AlertOptions describe a new target alert.
type AlertOptions struct {
	Symbol string
	Target string
	Email  string
}

// CreateAlert registers a target alert and prints its id.
func (a *App) CreateAlert(ctx context.Context, opts AlertOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	alert, err := a.newService(st, nil).CreateAlert(ctx, opts.Symbol, opts.Target, opts.Email)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "created alert %s: %s >= $%s -> %s\n",
		alert.ID, alert.Symbol, alert.TargetUSDPrice.String(), alert.Email)
	return nil
}

// ListAlerts prints one page of an owner's alerts.
func (a *App) ListAlerts(ctx context.Context, q service.AlertQuery) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	alerts, total, err := a.newService(st, nil).FetchAlerts(ctx, q)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintf(a.Out, "no alerts found (total %d)\n", total)
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSymbol\tTarget (USD)\tEmail\tCreated (UTC)")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.Symbol,
			alert.TargetUSDPrice.String(),
			sanitizeInline(alert.Email),
			alert.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "showing %d of %d\n", len(alerts), total)
	return nil
}

func sanitizeInline(v string) string {
	return strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(v)
}
