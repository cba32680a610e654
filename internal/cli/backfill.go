package cli

import (
	"github.com/spf13/cobra"

	"xchain-radar/internal/app"
)

var (
	backfillFrom    string
	backfillTo      string
	backfillChain   string
	backfillDryRun  bool
	backfillPublish bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Explain a range of historical days in parallel",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseRange(backfillFrom, backfillTo)
		if err != nil {
			return err
		}

		opts := app.BackfillOptions{
			From:    from,
			To:      to,
			Chain:   backfillChain,
			DryRun:  backfillDryRun,
			Publish: backfillPublish,
			Workers: backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last day (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillChain, "chain", "", "Chain (defaults to pipeline.chain)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Compute commitments without submitting")
	backfillCmd.Flags().BoolVar(&backfillPublish, "publish", false, "Commit every briefing to the ledger")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 0, "Number of concurrent workers (defaults to pipeline.backfill_workers)")
}
