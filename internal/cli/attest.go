package cli

import (
	"github.com/spf13/cobra"

	"xchain-radar/internal/app"
)

var (
	attestDay    string
	attestFrom   string
	attestTo     string
	attestChain  string
	attestDryRun bool
)

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Publish stored briefings to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AttestOptions{Chain: attestChain, DryRun: attestDryRun}
		if attestDay != "" {
			day, err := parseDay("day", attestDay)
			if err != nil {
				return err
			}
			opts.From, opts.To = day, day
		} else {
			from, to, err := parseRange(attestFrom, attestTo)
			if err != nil {
				return err
			}
			opts.From, opts.To = from, to
		}
		return getApp().Attest(cmd.Context(), opts)
	},
}

func init() {
	attestCmd.Flags().StringVar(&attestDay, "day", "", "Single day to attest (YYYY-MM-DD)")
	attestCmd.Flags().StringVar(&attestFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	attestCmd.Flags().StringVar(&attestTo, "to", "", "Last day (YYYY-MM-DD, inclusive)")
	attestCmd.Flags().StringVar(&attestChain, "chain", "", "Chain (defaults to pipeline.chain)")
	attestCmd.Flags().BoolVar(&attestDryRun, "dry-run", false, "Print hashes without submitting")
	attestCmd.MarkFlagsMutuallyExclusive("day", "from")
	attestCmd.MarkFlagsMutuallyExclusive("day", "to")
}
