package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evaluateAlertID string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Dry-run one alert against the latest stored snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if evaluateAlertID == "" {
			return fmt.Errorf("--alert is required")
		}
		preview, err := getApp().Evaluate(cmd.Context(), evaluateAlertID)
		if err != nil {
			return err
		}
		return printJSON(cmd, preview)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateAlertID, "alert", "", "Alert id to evaluate")
}
