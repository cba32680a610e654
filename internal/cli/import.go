package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var importCSVPath string

var importFlowsCmd = &cobra.Command{
	Use:   "import-flows",
	Short: "Load a flows_daily CSV export into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importCSVPath == "" {
			return fmt.Errorf("--csv must be provided")
		}
		return getApp().ImportFlows(cmd.Context(), importCSVPath)
	},
}

func init() {
	importFlowsCmd.Flags().StringVar(&importCSVPath, "csv", "", "Path to the CSV file")
}
