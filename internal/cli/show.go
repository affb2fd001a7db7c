package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"defi-alerts/internal/app"
)

var (
	showLimit    int
	historyLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent market snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recently sent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{Limit: historyLimit})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of snapshots to display")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of notifications to display")
}
