package cli

import (
	"github.com/spf13/cobra"

	"crypto-price-alerts/internal/app"
	"crypto-price-alerts/internal/service"
)

var (
	alertSymbol string
	alertTarget string
	alertEmail  string

	listEmail   string
	listLimit   int
	listSkip    int
	listOrderBy string
	listOrder   string
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage target price alerts",
}

var alertCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a one-shot alert fired when the price reaches the target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CreateAlert(cmd.Context(), app.AlertOptions{
			Symbol: alertSymbol,
			Target: alertTarget,
			Email:  alertEmail,
		})
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the alerts owned by an email address",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), service.AlertQuery{
			Email:   listEmail,
			Limit:   listLimit,
			Skip:    listSkip,
			OrderBy: listOrderBy,
			Order:   listOrder,
		})
	},
}

func init() {
	alertCreateCmd.Flags().StringVar(&alertSymbol, "symbol", "", "Asset symbol (ETH, BTC, SOL)")
	alertCreateCmd.Flags().StringVar(&alertTarget, "target", "", "Target USD price")
	alertCreateCmd.Flags().StringVar(&alertEmail, "email", "", "Address to notify")
	_ = alertCreateCmd.MarkFlagRequired("symbol")
	_ = alertCreateCmd.MarkFlagRequired("target")
	_ = alertCreateCmd.MarkFlagRequired("email")

	alertListCmd.Flags().StringVar(&listEmail, "email", "", "Owner email address")
	alertListCmd.Flags().IntVar(&listLimit, "limit", service.DefaultLimit, "Page size (1-100)")
	alertListCmd.Flags().IntVar(&listSkip, "skip", 0, "Number of alerts to skip")
	alertListCmd.Flags().StringVar(&listOrderBy, "order-by", "created_at", "Sort column: created_at, target_usd_price or symbol")
	alertListCmd.Flags().StringVar(&listOrder, "order", "ASC", "Sort direction: ASC or DESC")
	_ = alertListCmd.MarkFlagRequired("email")

	alertCmd.AddCommand(alertCreateCmd)
	alertCmd.AddCommand(alertListCmd)
}
