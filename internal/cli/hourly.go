package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
)

var (
	hourlySymbol  string
	hourlyAt      string
	hourlyCSVPath string
	hourlyPNGPath string
)

var hourlyCmd = &cobra.Command{
	Use:   "hourly",
	Short: "Show hourly closing prices for the last 24 hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.HourlyOptions{
			Symbol:  hourlySymbol,
			CSVPath: hourlyCSVPath,
			PNGPath: hourlyPNGPath,
		}
		if hourlyAt != "" {
			at, err := time.Parse(time.RFC3339, hourlyAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = at.UTC()
		}
		return getApp().Hourly(cmd.Context(), opts)
	},
}

func init() {
	hourlyCmd.Flags().StringVar(&hourlySymbol, "symbol", "ETH", "Asset symbol (ETH, BTC, SOL)")
	hourlyCmd.Flags().StringVar(&hourlyAt, "at", "", "End of the 24h window (RFC3339, defaults to now)")
	hourlyCmd.Flags().StringVar(&hourlyCSVPath, "csv", "", "Path to write CSV data")
	hourlyCmd.Flags().StringVar(&hourlyPNGPath, "png", "", "Path to write PNG chart")
}
