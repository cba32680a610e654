package cli

import (
	"github.com/spf13/cobra"

	"xchain-radar/internal/app"
)

var (
	explainDay     string
	explainChain   string
	explainPublish bool
	explainDryRun  bool
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Build, classify and store the briefing for one day",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay("day", explainDay)
		if err != nil {
			return err
		}
		return getApp().Explain(cmd.Context(), app.ExplainOptions{
			Day:     day,
			Chain:   explainChain,
			Publish: explainPublish || explainDryRun,
			DryRun:  explainDryRun,
		})
	},
}

func init() {
	explainCmd.Flags().StringVar(&explainDay, "day", "", "Day to explain (YYYY-MM-DD, defaults to yesterday in pipeline.timezone)")
	explainCmd.Flags().StringVar(&explainChain, "chain", "", "Chain to explain (defaults to pipeline.chain)")
	explainCmd.Flags().BoolVar(&explainPublish, "publish", false, "Commit the briefing hash to the ledger")
	explainCmd.Flags().BoolVar(&explainDryRun, "dry-run", false, "Compute the commitment but skip submission")
}
