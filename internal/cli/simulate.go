package cli

import (
	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
)

var (
	simulateSymbol string
	simulatePrice  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次价格变动并触发告警流程（不落库）",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Symbol: simulateSymbol,
			Price:  simulatePrice,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "Asset symbol (ETH, BTC, SOL)")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Simulated USD price")
	_ = simulateCmd.MarkFlagRequired("symbol")
	_ = simulateCmd.MarkFlagRequired("price")
}
