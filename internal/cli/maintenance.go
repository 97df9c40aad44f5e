package cli

import (
	"time"

	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
)

var (
	swapFrom   string
	swapTo     string
	swapAmount string

	pruneOlderThan time.Duration
)

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Quote a conversion between two assets at the latest prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Swap(cmd.Context(), app.SwapOptions{
			From:   swapFrom,
			To:     swapTo,
			Amount: swapAmount,
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored prices older than the retention age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), pruneOlderThan)
	},
}

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Sample every tracked asset once and dispatch alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SampleOnce(cmd.Context())
	},
}

func init() {
	swapCmd.Flags().StringVar(&swapFrom, "from", "ETH", "Asset to convert from")
	swapCmd.Flags().StringVar(&swapTo, "to", "BTC", "Asset to convert to")
	swapCmd.Flags().StringVar(&swapAmount, "amount", "1", "Amount of the source asset")

	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Age cutoff (defaults to retention.max_age)")
}
