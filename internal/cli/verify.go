package cli

import (
	"github.com/spf13/cobra"
)

var (
	verifyDay   string
	verifyChain string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the ledger commitment with the stored briefing",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay("day", verifyDay)
		if err != nil {
			return err
		}
		return getApp().Verify(cmd.Context(), day, verifyChain)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyDay, "day", "", "Day to verify (YYYY-MM-DD, defaults to yesterday)")
	verifyCmd.Flags().StringVar(&verifyChain, "chain", "", "Chain (defaults to pipeline.chain)")
}
