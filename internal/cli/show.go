package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hewjoe/ebay-catalog/internal/app"
	"github.com/hewjoe/ebay-catalog/internal/auction"
)

var (
	showLimit  int
	showStatus string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display tracked auctions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		status := auction.Status(showStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("--status %q is not a known auction status", showStatus)
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Status: status,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of auctions to display")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only show auctions in this status")
}
