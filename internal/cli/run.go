package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"defi-alerts/internal/app"
)

var serveWithScheduler bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run alert evaluation on the configured schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP run trigger, health and metrics endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context(), app.ServeOptions{WithScheduler: serveWithScheduler})
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Perform a single ingest/evaluate/notify run and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := getApp().Once(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithScheduler, "with-scheduler", false, "Also run the scheduler loop in this process")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
